// cmd/nodetree/main.go
//
// nodetree CLI - one-shot subcommand dispatcher for database and
// resource lifecycle management.
//
// Usage:
//
//	nodetree create-db
//	nodetree drop-db
//	nodetree create-resource <name>
//	nodetree drop-resource <name>
//	nodetree list-resources
//
// The database directory defaults to resource.Home() (NODETREE_HOME, or
// ./nodetree-data); there is no query language and no REPL here, only
// the handful of commands a resource's lifecycle needs from outside a
// running process.
package main

import (
	"errors"
	"fmt"
	"os"

	"nodetree/pkg/resource"
)

const (
	exitOK = iota
	exitUsage
	exitIO
	exitBusy
	exitNotFound
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: nodetree <create-db|drop-db|create-resource|drop-resource|list-resources> [args]")
		return exitUsage
	}

	home := resource.Home()

	switch args[0] {
	case "create-db":
		return createDB(home, stdout, stderr)
	case "drop-db":
		return dropDB(home, stdout, stderr)
	case "create-resource":
		return createResource(home, args[1:], stdout, stderr)
	case "drop-resource":
		return dropResource(home, args[1:], stdout, stderr)
	case "list-resources":
		return listResources(home, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "nodetree: unknown command %q\n", args[0])
		return exitUsage
	}
}

func createDB(home string, stdout, stderr *os.File) int {
	if _, err := os.Stat(home); err == nil {
		fmt.Fprintf(stderr, "nodetree: %s already exists\n", home)
		return exitIO
	}
	db, err := resource.Open(home)
	if err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	db.Close()
	fmt.Fprintf(stdout, "created database at %s\n", home)
	return exitOK
}

func dropDB(home string, stdout, stderr *os.File) int {
	if _, err := os.Stat(home); err != nil {
		fmt.Fprintf(stderr, "nodetree: %s not found\n", home)
		return exitNotFound
	}
	if err := os.RemoveAll(home); err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	fmt.Fprintf(stdout, "dropped database at %s\n", home)
	return exitOK
}

func createResource(home string, args []string, stdout, stderr *os.File) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: nodetree create-resource <name>")
		return exitUsage
	}
	db, err := resource.Open(home)
	if err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	defer db.Close()

	name := args[0]
	if err := db.CreateResource(name, resource.Config{}); err != nil {
		if errors.Is(err, resource.ErrResourceExists) {
			fmt.Fprintf(stderr, "nodetree: %v\n", err)
			return exitBusy
		}
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	fmt.Fprintf(stdout, "created resource %s\n", name)
	return exitOK
}

func dropResource(home string, args []string, stdout, stderr *os.File) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: nodetree drop-resource <name>")
		return exitUsage
	}
	db, err := resource.Open(home)
	if err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	defer db.Close()

	name := args[0]
	if err := db.DropResource(name); err != nil {
		switch {
		case errors.Is(err, resource.ErrResourceBusy):
			fmt.Fprintf(stderr, "nodetree: %v\n", err)
			return exitBusy
		case errors.Is(err, resource.ErrResourceNotFound):
			fmt.Fprintf(stderr, "nodetree: %v\n", err)
			return exitNotFound
		default:
			fmt.Fprintf(stderr, "nodetree: %v\n", err)
			return exitIO
		}
	}
	fmt.Fprintf(stdout, "dropped resource %s\n", name)
	return exitOK
}

func listResources(home string, stdout, stderr *os.File) int {
	db, err := resource.Open(home)
	if err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	defer db.Close()

	names, err := db.ListResources()
	if err != nil {
		fmt.Fprintf(stderr, "nodetree: %v\n", err)
		return exitIO
	}
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return exitOK
}
