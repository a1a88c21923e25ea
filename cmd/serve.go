// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetd/rproxyd/common"
	"github.com/packetd/rproxyd/confengine"
	"github.com/packetd/rproxyd/internal/sigs"
	"github.com/packetd/rproxyd/logger"
	"github.com/packetd/rproxyd/proxy"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reverse proxy",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		p, err := proxy.New(cfg, common.GetBuildInfo())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct proxy: %v\n", err)
			os.Exit(1)
		}
		if err := p.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start proxy: %v\n", err)
			os.Exit(1)
		}

		var reloadTotal int
		for {
			select {
			case <-sigs.Terminate():
				if err := p.Stop(); err != nil {
					logger.Errorf("failed to stop proxy cleanly: %v", err)
				}
				return

			case <-sigs.Reload():
				reloadTotal++

				cfg, err := confengine.LoadConfigPath(configPath)
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to load config (count=%d): %v\n", reloadTotal, err)
					continue
				}

				start := time.Now()
				if err := p.Reload(cfg); err != nil {
					logger.Errorf("failed to reload config: %v", err)
				}
				logger.Infof("reload (count=%d) took %s", reloadTotal, time.Since(start))
			}
		}
	},
	Example: "# rproxyd serve --config rproxyd.yaml",
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "rproxyd.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}
