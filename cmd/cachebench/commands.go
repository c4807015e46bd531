package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	cachelib "github.com/igchor/Cachelib"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Resolve and print memory tier sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		mc, err := conf.memtierConfig()
		if err != nil {
			return err
		}
		if err := mc.Validate(); err != nil {
			return err
		}
		fmt.Printf("total cache size: %d bytes\n", mc.TotalCacheSize)
		for i, tier := range mc.Tiers() {
			fmt.Printf("tier %d: %-4s %12d bytes  %s\n",
				i, tier.Backing.Kind, tier.Size, tier.Backing.Path)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the whole configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if len(conf.Cache.Tiers) > 0 {
			mc, err := conf.memtierConfig()
			if err != nil {
				return err
			}
			if err := mc.Validate(); err != nil {
				return err
			}
			if err := mc.ValidateShmUsage(); err != nil {
				return err
			}
		}
		cfg, err := conf.cachelibConfig(newLogger())
		if err != nil {
			return err
		}
		// Engine and layout checks run in New; tear the cache down again.
		cache, err := cachelib.New(*cfg)
		if err != nil {
			return err
		}
		if err := cache.Close(); err != nil {
			return err
		}
		fmt.Println("configuration OK")
		return nil
	},
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Stamp the flash device metadata header",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		cfg, err := conf.cachelibConfig(newLogger())
		if err != nil {
			return err
		}
		// New writes the metadata header.
		cache, err := cachelib.New(*cfg)
		if err != nil {
			return err
		}
		if err := cache.Close(); err != nil {
			return err
		}
		fmt.Printf("formatted %s\n", conf.Flash.Device.Path)
		return nil
	},
}

var (
	runItems     int
	runValueSize int
)

func init() {
	runCmd.Flags().IntVar(&runItems, "items", 10000, "items to insert")
	runCmd.Flags().IntVar(&runValueSize, "value-size", 1024, "value size in bytes")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a smoke workload and print hit rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		cfg, err := conf.cachelibConfig(newLogger())
		if err != nil {
			return err
		}
		cache, err := cachelib.New(*cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		start := time.Now()
		var accepted, rejected int
		value := make([]byte, runValueSize)
		rand.Read(value)
		for i := 0; i < runItems; i++ {
			key := []byte(fmt.Sprintf("bench-key-%08d", i))
			switch err := cache.Insert(key, value); err {
			case nil:
				accepted++
			case cachelib.ErrAdmissionRejected, cachelib.ErrQueueFull:
				rejected++
			default:
				return err
			}
		}
		if err := cache.Flush(); err != nil {
			return err
		}
		var hits int
		for i := 0; i < runItems; i++ {
			key := []byte(fmt.Sprintf("bench-key-%08d", i))
			if _, err := cache.Lookup(key); err == nil {
				hits++
			}
		}
		elapsed := time.Since(start)
		fmt.Fprintf(os.Stdout,
			"inserted %d (rejected %d), hits %d/%d (%.1f%%), elapsed %s\n",
			accepted, rejected, hits, runItems,
			100*float64(hits)/float64(runItems), elapsed.Round(time.Millisecond))
		return nil
	},
}
