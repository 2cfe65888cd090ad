package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "copytrade.db"
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	tables := []string{
		"users", "devices", "replay_records", "signals", "positions",
		"risk_states", "guard_configs", "recon_snapshots",
		"recon_divergences", "close_audit",
	}
	fmt.Println("\n1. Verifying tables...")
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			fmt.Printf("❌ %s table MISSING\n", table)
			continue
		} else if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		fmt.Printf("✓ %s table exists\n", table)
	}

	fmt.Println("\n2. Verifying owner-only columns on positions...")
	var sqlSchema string
	if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='positions'").Scan(&sqlSchema); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, col := range []string{"owner_stop_loss", "owner_take_profit", "close_reason"} {
		if strings.Contains(sqlSchema, col) {
			fmt.Printf("✓ positions.%s exists\n", col)
		} else {
			fmt.Printf("❌ positions.%s MISSING\n", col)
		}
	}

	fmt.Println("\n3. Verifying replay nonce uniqueness...")
	var idx string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='replay_records'").Scan(&idx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if strings.Contains(idx, "PRIMARY KEY") {
		fmt.Println("✓ replay_records keyed on (device_id, nonce)")
	} else {
		fmt.Println("❌ replay_records has no primary key")
	}

	fmt.Println("\nDone.")
}
