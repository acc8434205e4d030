// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("masi-app offline sync engine")
	fmt.Println("============================")
	fmt.Println()
	fmt.Println("Staff record time entries, child rosters, group memberships and session")
	fmt.Println("notes while disconnected; this module reconciles those local writes with")
	fmt.Println("the remote data service once connectivity returns.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. masisync/ - client-side sync engine")
	fmt.Println("   SQLite local store, retry ledger, per-record backoff, sync orchestrator")
	fmt.Println("   with single-flight runs, and a failure recovery operation for the UI.")
	fmt.Println()
	fmt.Println("2. masiserver/ - reference remote data service")
	fmt.Println("   Postgres-backed create-or-replace-by-identifier endpoint with JWT auth")
	fmt.Println("   and per-user row ownership.")
	fmt.Println()
}
