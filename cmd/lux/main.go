// Command lux boots the kernel on a simulated machine: build a Machine,
// hand it the ramdisk, run the bootstrap, and either idle or drop into the
// interactive monitor.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/shibukawa/configdir"

	"github.com/lumenos/core/kernel"
	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/platform"
)

type config struct {
	CPUs    int    `json:"cpus"`
	MemMB   int    `json:"mem_mb"`
	Ramdisk string `json:"ramdisk"`
	Verbose bool   `json:"verbose"`
}

const configFile = "lux.json"

func loadConfig() config {
	cfg := config{CPUs: 4, MemMB: 64, Verbose: true}
	dirs := configdir.New("lumenos", "lux")
	if folder := dirs.QueryFolderContainsFile(configFile); folder != nil {
		if data, err := folder.ReadFile(configFile); err == nil {
			json.Unmarshal(data, &cfg)
		}
	}
	return cfg
}

func saveConfig(cfg config) {
	dirs := configdir.New("lumenos", "lux")
	folders := dirs.QueryFolders(configdir.Global)
	if len(folders) == 0 {
		return
	}
	if data, err := json.MarshalIndent(cfg, "", "  "); err == nil {
		folders[0].WriteFile(configFile, data)
	}
}

func main() {
	cfg := loadConfig()
	cpus := flag.Int("cpus", cfg.CPUs, "simulated CPU count")
	memMB := flag.Int("mem", cfg.MemMB, "physical memory in MiB")
	rdPath := flag.String("ramdisk", cfg.Ramdisk, "path to the boot ramdisk (ustar, optionally snappy)")
	verbose := flag.Bool("v", cfg.Verbose, "verbose kernel log")
	monitor := flag.Bool("monitor", false, "drop into the kernel monitor")
	save := flag.Bool("save-defaults", false, "persist these settings as defaults")
	flag.Parse()

	if *save {
		saveConfig(config{CPUs: *cpus, MemMB: *memMB, Ramdisk: *rdPath, Verbose: *verbose})
	}

	klog.SetVerbose(*verbose)

	var image []byte
	if *rdPath != "" {
		data, err := ioutil.ReadFile(*rdPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lux: reading ramdisk: %v\n", err)
			os.Exit(1)
		}
		image = data
	}

	m, err := platform.NewMachine(*cpus, *memMB<<20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lux: %v\n", err)
		os.Exit(1)
	}
	if err := kernel.Main(m, image); err != nil {
		fmt.Fprintf(os.Stderr, "lux: boot failed: %v\n", err)
		os.Exit(1)
	}
	kernel.StartTicker(m)

	if *monitor {
		runMonitor(m)
		return
	}
	for !m.Halted() {
		time.Sleep(100 * time.Millisecond)
	}
}
