// Copyright 2026 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for kmemctl.
package cli

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"

	"kmem.dev/kmem/cmd/kmemctl/cmd"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/log"
)

var configFile = flag.String("config", "", "TOML configuration file. Flags override its values.")

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// Flag defaults are the built in configuration. Only flags that were
	// set explicitly override the configuration file.
	conf := config.Default()
	conf.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if err := conf.ApplyFlags(flag.CommandLine); err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	logFile := os.Stderr
	if conf.Log.File != "" {
		f, err := log.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: subcommand, Start: time.Now()})
		if err != nil {
			cmd.Fatalf("opening log file: %v", err)
		}
		logFile = f
	}
	e, err := log.NewEmitter(conf.Log.Format, logFile)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	log.SetLevel(conf.LogLevel())

	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	log.Infof("PID: %d", os.Getpid())
	conf.Dump()
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// kmemctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Map), "")

	const allocGroup = "allocator"
	cb(new(cmd.Heap), allocGroup)
	cb(new(cmd.Stress), allocGroup)

	const metricGroup = "metrics"
	cb(new(cmd.Stats), metricGroup)
}
