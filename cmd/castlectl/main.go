// Command castlectl is the operator CLI for a castle engine: claim
// slaves, create/inspect versions, read and write objects, and print the
// version tree. Built with urfave/cli/v2, the same framework the teacher
// uses for its own node binaries.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/timmoreton/castle/config"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/diag"
	"github.com/timmoreton/castle/engine"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/mathutil"
	"github.com/timmoreton/castle/transfer"
	"github.com/timmoreton/castle/version"
)

func main() {
	app := &cli.App{
		Name:  "castlectl",
		Usage: "operate a castle versioned block-storage engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "castle.yaml", Usage: "path to engine config"},
		},
		Commands: []*cli.Command{
			newVersionCmd,
			attachCmd,
			detachCmd,
			putCmd,
			getCmd,
			treeCmd,
			transferCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "castlectl:", err)
		os.Exit(1)
	}
}

func openEngine(c *cli.Context) (*engine.Engine, error) {
	log := zap.Must(zap.NewProduction()).Sugar()
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg, log)
}

var newVersionCmd = &cli.Command{
	Name:  "new-version",
	Usage: "create a new snapshot or clone version",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "parent", Required: true},
		&cli.BoolFlag{Name: "clone", Usage: "create a clone instead of a snapshot"},
		&cli.Uint64Flag{Name: "da-id", Required: true},
		&cli.Uint64Flag{Name: "size"},
	},
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()

		kind := version.Snapshot
		if c.Bool("clone") {
			kind = version.Clone
		}
		v, err := e.Versions.New(kind, uint32(c.Uint64("parent")), uint32(c.Uint64("da-id")), c.Uint64("size"))
		if err != nil {
			return err
		}
		fmt.Printf("created version %d\n", v.ID)
		return nil
	},
}

var attachCmd = &cli.Command{
	Name:      "attach",
	Usage:     "mark a version attached (single writer)",
	ArgsUsage: "<version-id>",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		id, err := parseVersionArg(c)
		if err != nil {
			return err
		}
		return e.Versions.Attach(id)
	},
}

var detachCmd = &cli.Command{
	Name:      "detach",
	Usage:     "clear a version's attached flag",
	ArgsUsage: "<version-id>",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		id, err := parseVersionArg(c)
		if err != nil {
			return err
		}
		return e.Versions.Detach(id)
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "replace an object's value",
	ArgsUsage: "<version-id> <key> <value>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 3 {
			return cli.Exit("usage: castlectl put <version-id> <key> <value>", 1)
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		id, err := parseVersionArg(c)
		if err != nil {
			return err
		}
		k := key.New([]byte(c.Args().Get(1)))
		return e.Replace(context.Background(), id, k, []byte(c.Args().Get(2)), false)
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "read an object's value",
	ArgsUsage: "<version-id> <key>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return cli.Exit("usage: castlectl get <version-id> <key>", 1)
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		id, err := parseVersionArg(c)
		if err != nil {
			return err
		}
		k := key.New([]byte(c.Args().Get(1)))
		v, ok, err := e.Get(context.Background(), id, k)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit("not found", 1)
		}
		fmt.Println(string(v))
		return nil
	},
}

var treeCmd = &cli.Command{
	Name:  "tree",
	Usage: "print the version tree",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dot", Usage: "write a graphviz rendering to this path instead of a table"},
	},
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		if path := c.String("dot"); path != "" {
			return diag.WriteDot(e.Versions, path)
		}
		return diag.PrintTable(e.Versions, os.Stdout)
	},
}

var transferCmd = &cli.Command{
	Name:      "transfer",
	Usage:     "relocate a version's on-disk blocks in [start-key, end-key] to a destination region",
	ArgsUsage: "<version-id> <region-id> <start-key> <end-key>",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "batch", Value: 64, Usage: "blocks per two-phase prepare/commit barrier"},
		&cli.Int64Flag{Name: "concurrency", Value: 4, Usage: "concurrent prepares/commits within one batch"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 4 {
			return cli.Exit("usage: castlectl transfer <version-id> <region-id> <start-key> <end-key>", 1)
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := parseVersionArg(c)
		if err != nil {
			return err
		}
		regionID, ok := mathutil.ParseUint64(c.Args().Get(1))
		if !ok {
			return cli.Exit("invalid region id: "+c.Args().Get(1), 1)
		}
		start := key.New([]byte(c.Args().Get(2)))
		end := key.New([]byte(c.Args().Get(3)))

		ctx := context.Background()
		blocks, err := e.Objects.OndiskCDBs(ctx, id, start, end)
		if err != nil {
			return err
		}

		batch := int(c.Uint64("batch"))
		if batch <= 0 {
			batch = 1
		}
		concurrency := c.Int64("concurrency")

		// One batch is visited, fully prepared and committed (the
		// two-phase barrier) before the next is started — each batch
		// stands in for a single B-tree node of spec §4.7's per-node
		// protocol, since the DA itself doesn't expose real node
		// boundaries (out of scope per §1).
		moved := 0
		for i := 0; i < len(blocks); i += batch {
			end := i + batch
			if end > len(blocks) {
				end = len(blocks)
			}
			jobs := make([]transfer.Job, 0, end-i)
			for _, cdb := range blocks[i:end] {
				jobs = append(jobs, transfer.Job{
					VersionID:    id,
					Source:       cdb,
					Dest:         transfer.ToRegion,
					RegionID:     uint32(regionID),
					SizeForQuota: uint64(cvt.BlockSize),
				})
			}
			results, err := e.Transfer.Run(ctx, jobs, concurrency)
			if err != nil {
				return err
			}
			relocated := 0
			for _, r := range results {
				if r.Err == nil {
					relocated++
				}
			}
			moved += relocated
			fmt.Printf("batch %d-%d: relocated %d blocks\n", i, end, relocated)
		}
		fmt.Printf("transfer complete: %d blocks relocated to region %d\n", moved, regionID)
		return nil
	},
}

func parseVersionArg(c *cli.Context) (uint32, error) {
	if c.Args().Len() < 1 {
		return 0, cli.Exit("missing <version-id> argument", 1)
	}
	id, ok := mathutil.ParseUint64(c.Args().First())
	if !ok {
		return 0, cli.Exit("invalid version id: "+c.Args().First(), 1)
	}
	return uint32(id), nil
}
