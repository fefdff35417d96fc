/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command krenew is the renew supervisor: it takes an existing
// credential cache and renews it periodically until its renewable
// lifetime is exhausted, optionally supervising a child command.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravwell/kstart/internal/afs"
	"github.com/gravwell/kstart/internal/cacheio"
	"github.com/gravwell/kstart/internal/clock"
	"github.com/gravwell/kstart/internal/config"
	"github.com/gravwell/kstart/internal/daemon"
	"github.com/gravwell/kstart/internal/klog"
	"github.com/gravwell/kstart/internal/krb5"
	"github.com/gravwell/kstart/internal/sigbox"
)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	progName := filepath.Base(argv[0])

	cfg, err := config.Parse(progName, argv[1:], true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	lg := klog.NewStderrLogger()
	if cfg.Quiet {
		lg.SetLevel(klog.ERROR)
	}
	if cfg.Verbose {
		lg.SetLevel(klog.DEBUG)
	}
	defer lg.Close()

	if cfg.CachePath == "" {
		lg.FatalCode(1, "renew requires an existing cache (-k)")
	}

	provider, err := krb5.New(lg)
	if err != nil {
		lg.Error("loading kerberos configuration", klog.KVErr(err))
		return 1
	}

	// renew never manages the caller's own cache directly: it snapshots
	// it into a private copy at startup (spec §4.6 Copy) so its own
	// renewals never disturb other consumers of the original.
	privatePath := cacheio.FabricateCachePath()
	if err := provider.Copy(cfg.CachePath, privatePath); err != nil {
		lg.Error("copying source cache", klog.KVErr(err))
		return 1
	}
	cfg.CachePath = privatePath
	os.Setenv("KRB5CCNAME", cfg.CachePath)

	var integration daemon.AfsIntegration
	if cfg.DoHook || len(cfg.Command) > 0 {
		integration = afs.New()
	}

	cache := cacheio.New(cfg.CachePath)
	inbox := sigbox.New()

	loop := daemon.New(cfg, provider, integration, cache, clock.Real{}, clock.Sleeper{}, lg, inbox, nil)
	loop.SetCleanCache(true)

	return loop.Run()
}
