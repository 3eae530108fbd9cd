package main

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/AGPFMiner/progminer/miner"
	"github.com/AGPFMiner/progminer/types"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const version = "0.19.0"

// The main command describes the service and, when run without a
// subcommand, applies the configuration and starts mining.
var mainCmd = &cobra.Command{
	Use:   "progminer",
	Short: "ProgPoW/Ethash GPU miner",
	Long:  `ProgPoW/Ethash GPU miner`,
	Run: func(cmd *cobra.Command, args []string) {
		mine()
	},
}

// The version command prints the version of this service.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// The list command enumerates usable devices.
var listCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List mining devices.",
	Run: func(cmd *cobra.Command, args []string) {
		api := backendDeps().API
		if api == nil {
			log.Fatal("this build carries no accelerator backend")
		}
		count, err := api.DeviceCount()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("Listing devices.\nFORMAT: [deviceID] deviceName")
		for i := 0; i < count; i++ {
			props, err := api.DeviceProps(i)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("[%d] %s\n\tCompute version: %d.%d\n\tTotal memory: %d\n",
				i, props.Name, props.Major, props.Minor, props.TotalGlobalMem)
		}
	},
}

var mainminer = &miner.Miner{}

func init() {
	mainCmd.AddCommand(versionCmd)
	mainCmd.AddCommand(listCmd)

	viper.SetDefault("blocksize", 512)
	viper.SetDefault("gridsize", 1024)
	viper.SetDefault("streams", 2)
	viper.SetDefault("dagloadmode", "parallel")
	viper.SetDefault("dagcreatedevice", 0)
	viper.SetDefault("noeval", false)
	viper.SetDefault("exit-on-error", false)
	viper.SetDefault("worktimeout", 180)
	viper.SetDefault("report-hashrate", false)
	viper.SetDefault("api-service", true)
	viper.SetDefault("api-listen", "0.0.0.0:3333")
	viper.SetDefault("debug", "info")

	// Viper supports reading from yaml, toml and/or json files. Paths are
	// searched in order; the search stops at the first config found.
	pflag.String("cfg", "progminer.json", "config file path")
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	fullcfgname := viper.GetString("cfg")

	log.Print("Config file: ", fullcfgname)
	cfgname := strings.TrimSuffix(fullcfgname, filepath.Ext(fullcfgname))
	if fullcfgname != "progminer.json" {
		viper.SetConfigFile(fullcfgname)
	} else {
		viper.SetConfigName(cfgname)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/progminer")
	}

	err := viper.ReadInConfig()
	if err != nil {
		println("No config file found. Using built-in defaults.")
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		fmt.Println("Config file changed:", e.Name)
		applyConfig()
		mainminer.Reload()
	})
}

func applyConfig() {
	var pools []types.Endpoint
	mapstructure.Decode(viper.Get("pools"), &pools)
	mainminer.Pools = pools

	mainminer.Devices = viper.GetIntSlice("devices")
	mainminer.BlockSize = viper.GetUint("blocksize")
	mainminer.GridSize = viper.GetUint("gridsize")
	mainminer.Streams = viper.GetUint("streams")
	mainminer.DagLoadMode = viper.GetString("dagloadmode")
	mainminer.DagCreateDevice = viper.GetInt("dagcreatedevice")
	mainminer.NoEval = viper.GetBool("noeval")
	mainminer.ExitOnError = viper.GetBool("exit-on-error")

	mainminer.WorkTimeout = viper.GetInt64("worktimeout")
	mainminer.ReportHashrate = viper.GetBool("report-hashrate")

	mainminer.WebEnable = viper.GetBool("api-service")
	mainminer.WebListen = viper.GetString("api-listen")

	mainminer.RebootScript = viper.GetString("reboot-script")
	mainminer.LogLevel = viper.GetString("debug")
	mainminer.Version = version
}

func main() {
	mainCmd.Execute()
}

func mine() {
	applyConfig()
	if err := mainminer.MinerMain(backendDeps()); err != nil {
		log.Fatal(err)
	}
}
