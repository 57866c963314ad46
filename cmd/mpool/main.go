// Command mpool administers pools: it creates, activates and destroys
// them, and reports on the pools it can find.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-mpool/config"
)

var version = "devel"

var configPath = flag.String("config", "", "YAML configuration file (default $"+config.EnvConfig+")")

func usage() {
	fmt.Fprintf(os.Stderr, `Mpool manages object storage pools.

Usage:

	mpool [-config file] <command> [arguments] [key=value ...]

The commands are:

	create      create a pool on a device
	destroy     erase an inactive pool
	activate    activate a pool and hold it active until interrupted
	deactivate  deactivate a pool held by activate
	list        list pools and their usage
	scan        list pool devices
	get         print pool properties
	set         change pool properties
	rename      rename an inactive pool
	add         add a media class device to a pool
	version     print the version

Properties given as key=value override the configuration file.
`)
	os.Exit(exUsage)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("mpool: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	c, ok := commands[cmd]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	}
	err := c.run(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, message(err))
	}
	os.Exit(exitCode(err))
}
