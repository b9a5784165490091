// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🏋️ Liftrix sync - offline-first record synchronization")
	fmt.Println("======================================================")
	fmt.Println()
	fmt.Println("Devices write to a local SQLite store and converge through a sync server")
	fmt.Println("with last-write-wins resolution, bounded retries and per-record failure parking.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Sync Server (examples/sync_server/)")
	fmt.Println("   HTTP push/pull server backed by PostgreSQL or an in-memory remote")
	fmt.Println("   Features: JWT auth, acceptance rule, paged pulls, request logging")
	fmt.Println("   Run: cd examples/sync_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Device Simulator (examples/device_sim/)")
	fmt.Println("   Runs real sync engines on simulated devices through YAML scenarios")
	fmt.Println("   Features: offline/online links, conflicts, failed records, bulk import")
	fmt.Println("   Run: cd examples/device_sim && go run . run --all")
	fmt.Println()
}
