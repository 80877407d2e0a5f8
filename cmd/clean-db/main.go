// Copyright 2026 The Heimdall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command clean-db truncates every Heimdall table. Development and test
// databases only; it refuses to run without an explicit connection URL.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: clean-db <postgres-url>")
		os.Exit(1)
	}
	url := os.Args[1]

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	// Reverse dependency order so truncation never trips a foreign key
	tables := []string{
		"permission_grants",
		"sessions",
		"token_records",
		"consents",
		"authorization_codes",
		"oauth_clients",
		"user_credentials",
		"users",
		"tenants",
	}

	for _, table := range tables {
		if _, err := conn.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			fmt.Fprintf(os.Stderr, "truncate %s failed: %v\n", table, err)
			os.Exit(1)
		}
	}

	fmt.Printf("truncated %d tables\n", len(tables))
}
