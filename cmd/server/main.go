package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/adelard07/cloud-logging/internal/supervisor"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/cloud-logging/config.yaml"
		}
	}

	fmt.Printf("using configuration file: %s\n", configFile)

	app, err := supervisor.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service error: %v\n", err)
		os.Exit(1)
	}
}
