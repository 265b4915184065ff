// Command embeddb-compact runs eager compaction (optimize_entity) against
// one or every entity in a database directory, with an optional dry run and
// an optional bbolt snapshot export for offline inspection.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/cuemby/embeddb"
	"github.com/cuemby/embeddb/internal/boltlog"
)

var (
	dataDir      = flag.String("data-dir", "./embeddb-data", "Database directory")
	entityName   = flag.String("entity", "", "Entity to compact (default: all open entities)")
	dryRun       = flag.Bool("dry-run", false, "Report what would be compacted without writing")
	snapshotPath = flag.String("snapshot", "", "Optional path to write a bbolt snapshot of the compacted state")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("embeddb compaction tool")
	log.Println("=======================")

	if _, err := os.Stat(*dataDir); os.IsNotExist(err) {
		log.Fatalf("database directory not found: %s", *dataDir)
	}

	db, err := embeddb.Open(*dataDir, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	names := db.ListEntities()
	if *entityName != "" {
		names = []string{*entityName}
	}
	if len(names) == 0 {
		log.Println("no entities found, nothing to do")
		return
	}

	for _, name := range names {
		e, err := db.Entity(name)
		if err != nil {
			log.Fatalf("entity %q: %v", name, err)
		}

		if *dryRun {
			log.Printf("[dry run] would compact entity %q", name)
			continue
		}

		log.Printf("compacting entity %q...", name)
		if err := db.OptimizeEntity(name); err != nil {
			log.Fatalf("compaction failed for %q: %v", name, err)
		}
		log.Printf("✓ compacted %q", name)

		if *snapshotPath != "" {
			if err := snapshotEntity(e, name, *snapshotPath); err != nil {
				log.Fatalf("snapshot failed for %q: %v", name, err)
			}
			log.Printf("✓ snapshot written for %q to %s", name, *snapshotPath)
		}
	}

	log.Println("\n✓ compaction completed successfully!")
}

func snapshotEntity(e *embeddb.Entity, name, path string) error {
	store, err := boltlog.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := e.Select(embeddb.Query{})
	if err != nil {
		return err
	}

	snapshot := make(map[string][]byte, len(rows))
	for _, rec := range rows {
		pk, ok := rec.Get(e.PrimaryKeyField())
		if !ok {
			continue
		}
		key, err := boltlog.EncodeKey(pk)
		if err != nil {
			return err
		}
		value, err := e.EncodeWire(rec)
		if err != nil {
			return err
		}
		snapshot[string(key)] = value
	}
	return store.PutEntity(name, snapshot)
}
