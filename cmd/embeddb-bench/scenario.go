package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/embeddb"
)

// scenarioConfig describes a mixed workload to run in one pass, loaded from
// a YAML file rather than assembled flag by flag. It composes the same
// insert/select/concurrent steps the dedicated subcommands run individually.
type scenarioConfig struct {
	DataDir string `yaml:"data_dir"`
	Insert  struct {
		Count    int  `yaml:"count"`
		Parallel bool `yaml:"parallel"`
	} `yaml:"insert"`
	Select struct {
		Owner string `yaml:"owner"`
	} `yaml:"select"`
	Concurrent struct {
		Writers  int           `yaml:"writers"`
		Readers  int           `yaml:"readers"`
		Duration time.Duration `yaml:"duration"`
	} `yaml:"concurrent"`
}

func loadScenario(path string) (scenarioConfig, error) {
	var cfg scenarioConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read scenario file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse scenario file %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./embeddb-bench-data"
	}
	return cfg, nil
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario <file.yaml>",
	Short: "Run an insert/select/concurrent workload described by a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadScenario(args[0])
		if err != nil {
			return err
		}

		db, err := openBench(cfg.DataDir)
		if err != nil {
			return err
		}

		if cfg.Insert.Count > 0 {
			rows := make([]map[string]interface{}, cfg.Insert.Count)
			owners := []string{"alice", "bob", "carol", "dave"}
			for i := range rows {
				rows[i] = map[string]interface{}{
					"id": i, "owner": owners[i%len(owners)], "quantity": i,
				}
			}
			start := time.Now()
			if cfg.Insert.Parallel {
				err = db.InsertParallel("widgets", rows)
			} else {
				for _, row := range rows {
					if e := db.InsertInto("widgets", row); e != nil {
						err = e
						break
					}
				}
			}
			if err != nil {
				return fmt.Errorf("scenario insert step: %w", err)
			}
			fmt.Printf("scenario insert: %d rows in %s\n", cfg.Insert.Count, time.Since(start))
		}

		if cfg.Select.Owner != "" {
			start := time.Now()
			rows, err := db.SelectFrom("widgets", embeddb.Query{Filter: embeddb.Filter{"owner": cfg.Select.Owner}})
			if err != nil {
				return fmt.Errorf("scenario select step: %w", err)
			}
			fmt.Printf("scenario select: %d rows for owner %q in %s\n", len(rows), cfg.Select.Owner, time.Since(start))
		}

		if cfg.Concurrent.Writers > 0 || cfg.Concurrent.Readers > 0 {
			if err := runConcurrentWorkload(db, cfg.Concurrent.Writers, cfg.Concurrent.Readers, cfg.Concurrent.Duration); err != nil {
				return fmt.Errorf("scenario concurrent step: %w", err)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
}
