// Command patchbay-bridge hosts plugins for an engine in another process. It
// is started by the engine and speaks the bridge protocol on its standard
// input and output; it logs to standard error.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patchbay-audio/patchbay/cmd"
	"github.com/patchbay-audio/patchbay/plugin"
	"github.com/patchbay-audio/patchbay/plugin/bridge"
	"github.com/patchbay-audio/patchbay/plugin/builtin"
	"github.com/patchbay-audio/patchbay/version"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Give up on plugin calls that take longer than `duration`.")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn or error.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.Long("patchbay-bridge"))
		os.Exit(0)
	}
	log, err := cmd.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	host := plugin.NewHost(*timeout)
	host.Register(builtin.Format{})
	log.Debug("bridge started", "pid", os.Getpid(), "version", version.Short())
	if err := bridge.Serve(bridge.StdioConn(), host); err != nil {
		log.Error("bridge failed", "err", err)
		os.Exit(1)
	}
}
