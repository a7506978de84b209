// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 localsync - Offline-First Sync Engine")
	fmt.Println("========================================")
	fmt.Println()
	fmt.Println("localsync keeps a local SQLite store authoritative for the UI while a")
	fmt.Println("durable mutation queue and background orchestrator reconcile changes")
	fmt.Println("with the backend, surfacing field-level conflicts for user resolution.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Sync Server Example (examples/syncserver/)")
	fmt.Println("   PostgreSQL-backed push/pull sync backend")
	fmt.Println("   Features: JWT auth, newest-wins apply, payload validation")
	fmt.Println("   Run: cd examples/syncserver && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Offline Client Example (examples/offline_client/)")
	fmt.Println("   SQLite client with queued writes and background sync")
	fmt.Println("   Features: connectivity monitor, conflict prompts, status updates")
	fmt.Println("   Run: cd examples/offline_client && go run .")
	fmt.Println()
}
