//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/mount"
	"github.com/xuesongbj/toda/process"
	"github.com/xuesongbj/toda/ptrace"
	"github.com/xuesongbj/toda/replacer"
	"github.com/xuesongbj/toda/supervisor"
	"github.com/xuesongbj/toda/sysio"
)

const (
	logLevelEnvVar = "TODA_LOG_LEVEL"
	usage          = `filesystem fault-injection interposer

toda slides a FUSE filesystem under an already-active directory, rewrites
the file descriptors of running processes so they transparently re-target
the new mount, and unwinds both on SIGINT/SIGTERM. Fault policies are
toggled at runtime through an HTTP control surface.
`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
)

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually excluded in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}

	return prof, nil
}

// loadRules reads the fault-policy file. Delays are expressed in
// nanoseconds, matching Go duration encoding; errnos are plain integers.
func loadRules(ios domain.IOServiceIface, path string) ([]domain.FaultRule, error) {

	if path == "" {
		return nil, nil
	}

	node := ios.NewIOnode("config", path, os.FileMode(0444))

	content, err := node.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var rules []domain.FaultRule
	if err := json.Unmarshal(content, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return rules, nil
}

func setupLogging(ctx *cli.Context) error {

	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(
			path,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
			0666,
		)
		if err != nil {
			logrus.Fatalf("Error opening log file %v: %v. Exiting ...", path, err)
			return err
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}

	if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}

	// The environment variable overrides the command-line filter.
	logLevel := ctx.GlobalString("verbose")
	if env := os.Getenv(logLevelEnvVar); env != "" {
		logLevel = env
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("log level %q not recognized. Exiting ...", logLevel)
		return err
	}
	logrus.SetLevel(level)

	return nil
}

func main() {

	app := cli.NewApp()
	app.Name = "toda"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "path",
			Usage: "target directory to interpose; must be covered by a mount",
		},
		cli.BoolFlag{
			Name:  "mount-only",
			Usage: "skip file-descriptor replacement; open fds keep pointing at the underlay",
		},
		cli.StringFlag{
			Name:  "verbose, v",
			Value: "trace",
			Usage: "log filter (trace, debug, info, warning, error, fatal); " + logLevelEnvVar + " overrides",
		},
		cli.StringFlag{
			Name:  "address",
			Value: "127.0.0.1:8074",
			Usage: "listen address of the HTTP control surface",
		},
		cli.StringFlag{
			Name:  "config",
			Value: "",
			Usage: "fault-policy JSON file (array of rules)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("toda\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n",
			c.App.Version, commitId, builtAt)
	}

	app.Before = func(ctx *cli.Context) error {

		// Random generator seed (fault-percent sampling).
		rand.Seed(time.Now().UnixNano())

		return setupLogging(ctx)
	}

	app.Action = func(ctx *cli.Context) error {

		path := ctx.GlobalString("path")
		if path == "" {
			cli.ShowAppHelp(ctx)
			return fmt.Errorf("--path is required")
		}

		logrus.Infof("start with path %s, mount-only %v",
			path, ctx.GlobalBool("mount-only"))

		// Construct toda services.
		var ioService = sysio.NewIOService(domain.IOOsFileService)
		var mountService = mount.NewMountService()
		var processService = process.NewProcessService()
		var ptraceManager = ptrace.NewPtraceManager()

		mountService.Setup(ioService)
		processService.Setup(ioService)

		rules, err := loadRules(ioService, ctx.GlobalString("config"))
		if err != nil {
			return err
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}
		if prof != nil {
			defer prof.Stop()
		}

		newReplacer := func() domain.ReplacerIface {
			return replacer.NewUnionReplacer(
				replacer.NewFdReplacer(ptraceManager, processService),
			)
		}

		sup := supervisor.New(
			supervisor.Options{
				Path:      path,
				MountOnly: ctx.GlobalBool("mount-only"),
				Address:   ctx.GlobalString("address"),
				Rules:     rules,
			},
			mountService,
			newReplacer,
		)

		if err := sup.Run(); err != nil {
			return err
		}

		// Attachment balance: a clean run leaves no ptrace attachments.
		if live := ptraceManager.LivePids(); len(live) != 0 {
			logrus.Warnf("dangling ptrace attachments: %v", live)
		}

		logrus.Info("Done.")

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
