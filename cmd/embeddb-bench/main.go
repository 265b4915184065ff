// Command embeddb-bench drives a small synthetic workload against an
// embeddb database and reports throughput: bulk insert, indexed select,
// and concurrent readers/writers.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/embeddb"
	"github.com/cuemby/embeddb/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "embeddb-bench",
	Short:   "Benchmark driver for the embeddb storage engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("embeddb-bench %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(concurrentCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openBench(dataDir string) (*embeddb.Database, error) {
	db, err := embeddb.Open(dataDir, nil)
	if err != nil {
		return nil, err
	}
	if _, err := db.Entity("widgets"); err != nil {
		_, err := db.CreateEntity("widgets", embeddb.Schema{
			Fields: map[string]string{
				"id":       embeddb.TypeInt,
				"owner":    embeddb.TypeStr,
				"quantity": embeddb.TypeInt,
			},
			PrimaryKey: "id",
			Indexes:    []string{"owner"},
		})
		if err != nil {
			return nil, err
		}
	}
	return db, nil
}

var insertCmd = &cobra.Command{
	Use:   "insert",
	Short: "Bulk-insert synthetic rows and report throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		count, _ := cmd.Flags().GetInt("count")
		parallel, _ := cmd.Flags().GetBool("parallel")

		db, err := openBench(dataDir)
		if err != nil {
			return err
		}

		owners := []string{"alice", "bob", "carol", "dave"}
		rows := make([]map[string]interface{}, count)
		for i := 0; i < count; i++ {
			rows[i] = map[string]interface{}{
				"id":       i,
				"owner":    owners[i%len(owners)],
				"quantity": rand.Intn(1000),
			}
		}

		start := time.Now()
		if parallel {
			err = db.InsertParallel("widgets", rows)
		} else {
			for _, row := range rows {
				if e := db.InsertInto("widgets", row); e != nil {
					err = e
					break
				}
			}
		}
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("insert failed: %w", err)
		}

		fmt.Printf("Inserted %d rows in %s (%.0f rows/sec)\n", count, elapsed, float64(count)/elapsed.Seconds())
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Run an indexed select and report latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		owner, _ := cmd.Flags().GetString("owner")

		db, err := openBench(dataDir)
		if err != nil {
			return err
		}

		start := time.Now()
		rows, err := db.SelectFrom("widgets", embeddb.Query{Filter: embeddb.Filter{"owner": owner}})
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("select failed: %w", err)
		}

		fmt.Printf("Selected %d rows for owner %q in %s\n", len(rows), owner, elapsed)
		return nil
	},
}

var concurrentCmd = &cobra.Command{
	Use:   "concurrent",
	Short: "Run concurrent readers and writers against the same entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		writers, _ := cmd.Flags().GetInt("writers")
		readers, _ := cmd.Flags().GetInt("readers")
		duration, _ := cmd.Flags().GetDuration("duration")

		db, err := openBench(dataDir)
		if err != nil {
			return err
		}
		return runConcurrentWorkload(db, writers, readers, duration)
	},
}

// runConcurrentWorkload fans out writers inserting and readers selecting
// against the "widgets" entity for duration, then reports each goroutine's
// throughput. Shared by concurrentCmd and the YAML-driven scenario command.
func runConcurrentWorkload(db *embeddb.Database, writers, readers int, duration time.Duration) error {
	stop := time.After(duration)
	g := new(errgroup.Group)

	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			n := 0
			for {
				select {
				case <-stop:
					fmt.Printf("writer %d: %d inserts\n", w, n)
					return nil
				default:
					pk := w*1_000_000 + n
					_ = db.InsertInto("widgets", map[string]interface{}{
						"id": pk, "owner": "bench", "quantity": n,
					})
					n++
				}
			}
		})
	}
	for r := 0; r < readers; r++ {
		r := r
		g.Go(func() error {
			n := 0
			for {
				select {
				case <-stop:
					fmt.Printf("reader %d: %d selects\n", r, n)
					return nil
				default:
					_, _ = db.SelectFrom("widgets", embeddb.Query{Filter: embeddb.Filter{"owner": "bench"}})
					n++
				}
			}
		})
	}
	return g.Wait()
}

func init() {
	for _, cmd := range []*cobra.Command{insertCmd, selectCmd, concurrentCmd} {
		cmd.Flags().String("data-dir", "./embeddb-bench-data", "Database directory")
	}
	insertCmd.Flags().Int("count", 10_000, "Number of rows to insert")
	insertCmd.Flags().Bool("parallel", false, "Use InsertParallel instead of sequential InsertInto")

	selectCmd.Flags().String("owner", "alice", "Owner value to filter on (exercises the owner index)")

	concurrentCmd.Flags().Int("writers", 4, "Number of concurrent writer goroutines")
	concurrentCmd.Flags().Int("readers", 4, "Number of concurrent reader goroutines")
	concurrentCmd.Flags().Duration("duration", 5*time.Second, "How long to run the workload")
}
