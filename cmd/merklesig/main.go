package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/btcsuite/btcutil/base58"
	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	merklesig "github.com/bwesterb/go-merklesig"
	"github.com/bwesterb/go-merklesig/digest"
	"github.com/bwesterb/go-merklesig/lamport"
	"github.com/bwesterb/go-merklesig/store"
)

func cmdAlgs(c *cli.Context) error {
	for _, name := range digest.ListNames() {
		ctx := merklesig.NewContextFromName(name)
		alg := ctx.Algorithm()
		fmt.Printf("%-14s 0x%04x  %3d byte digests  %6d byte signatures\n",
			ctx.Name(), uint16(alg.ID()), alg.Size(),
			lamport.SignatureSize(alg))
	}

	return nil
}

func cmdSign(c *cli.Context) error {
	ctx := merklesig.NewContextFromName(c.String("alg"))
	if ctx == nil {
		return cli.NewExitError(fmt.Sprintf(
			"unknown hash algorithm %s; see the algs command", c.String("alg")), 1)
	}
	ctx.Threads = c.Int("threads")

	if len(c.Args()) == 0 {
		return cli.NewExitError("no files to sign", 1)
	}
	msgs := make([][]byte, len(c.Args()))
	for i, path := range c.Args() {
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		msgs[i] = buf
	}

	vec, err := ctx.Sign(msgs)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("signing failed: %v", err), 2)
	}
	b, err2 := merklesig.NewBundle(msgs, vec)
	if err2 != nil {
		return cli.NewExitError(err2.Error(), 2)
	}
	if err2 = merklesig.WriteBundle(c.String("out"), b); err2 != nil {
		return cli.NewExitError(err2.Error(), 3)
	}

	fmt.Printf("%s\n", base58.Encode(b.Root))
	return nil
}

func parseRoot(c *cli.Context) ([]byte, error) {
	s := c.String("root")
	if s == "" {
		return nil, cli.NewExitError("missing --root", 1)
	}
	root := base58.Decode(s)
	if len(root) == 0 {
		return nil, cli.NewExitError(fmt.Sprintf("%s is not valid base58", s), 1)
	}
	return root, nil
}

func openBundleArg(c *cli.Context) (*merklesig.Bundle, error) {
	if len(c.Args()) != 1 {
		return nil, cli.NewExitError("expected exactly one bundle", 1)
	}
	b, err := merklesig.OpenBundle(c.Args().First())
	if err != nil {
		return nil, cli.NewExitError(err.Error(), 3)
	}
	return b, nil
}

func cmdVerify(c *cli.Context) error {
	root, err := parseRoot(c)
	if err != nil {
		return err
	}
	b, err := openBundleArg(c)
	if err != nil {
		return err
	}
	if !bytes.Equal(b.Root, root) {
		color.Yellow("bundle claims root %s", base58.Encode(b.Root))
	}
	ctx := merklesig.NewContext(b.Algorithm)

	failed := 0
	for i := range b.Entries {
		if err := ctx.Verify(b.Messages[i], &b.Entries[i], root); err != nil {
			color.Red("%4d FAIL  %v", i, err)
			failed++
			continue
		}
		color.Green("%4d OK", i)
	}
	if failed != 0 {
		return cli.NewExitError(fmt.Sprintf(
			"%d of %d entries failed to verify", failed, len(b.Entries)), 4)
	}
	return nil
}

func cmdRoot(c *cli.Context) error {
	b, err := openBundleArg(c)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", base58.Encode(b.Root))
	if c.Bool("hex") {
		fmt.Printf("%x\n", b.Root)
	}
	return nil
}

func openStore(c *cli.Context) (store.Store, error) {
	path := c.String("db")
	if path == "" {
		return nil, cli.NewExitError("missing --db", 1)
	}
	var s store.Store
	var err error
	switch c.String("backend") {
	case "bolt":
		s, err = store.OpenBolt(path)
	case "leveldb":
		s, err = store.OpenLevelDB(path)
	default:
		return nil, cli.NewExitError(fmt.Sprintf(
			"unknown backend %s", c.String("backend")), 1)
	}
	if err != nil {
		return nil, cli.NewExitError(err.Error(), 3)
	}
	return s, nil
}

func cmdArchive(c *cli.Context) error {
	b, err := openBundleArg(c)
	if err != nil {
		return err
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if err = s.PutBundle(b); err != nil {
		return cli.NewExitError(err.Error(), 3)
	}
	fmt.Printf("archived %d entries under %s\n",
		len(b.Entries), base58.Encode(b.Root))
	return nil
}

func cmdGet(c *cli.Context) error {
	root, err := parseRoot(c)
	if err != nil {
		return err
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	msg, entry, err := s.Get(root, c.Int("index"))
	if err != nil {
		return cli.NewExitError(err.Error(), 3)
	}
	if err = merklesig.Verify(msg, entry, root); err != nil {
		return cli.NewExitError(fmt.Sprintf("archived entry is invalid: %v", err), 4)
	}
	os.Stdout.Write(msg)
	return nil
}

func cmdRoots(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	roots, err := s.Roots()
	if err != nil {
		return cli.NewExitError(err.Error(), 3)
	}
	for _, root := range roots {
		fmt.Printf("%s\n", base58.Encode(root))
	}
	return nil
}

func setupLogging(c *cli.Context) error {
	if !c.Bool("verbose") {
		return nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	merklesig.SetLogger(merklesig.NewZapLogger(logger))
	return nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "merklesig"
	app.Usage = "sign batches of files with Merkle signatures"

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log progress to stderr",
		},
	}
	app.Before = setupLogging

	storeFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "db",
			Usage: "path to the archive",
		},
		cli.StringFlag{
			Name:  "backend",
			Value: "bolt",
			Usage: "archive backend: bolt or leveldb",
		},
	}
	rootFlag := cli.StringFlag{
		Name:  "root, r",
		Usage: "trusted root hash in base58",
	}

	app.Commands = []cli.Command{
		{
			Name:   "algs",
			Usage:  "List hash algorithms",
			Action: cmdAlgs,
		},
		{
			Name:      "sign",
			Usage:     "Sign files into a bundle and print its root",
			ArgsUsage: "<file>...",
			Action:    cmdSign,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "alg, a",
					Value: "SHA2-512",
					Usage: "hash algorithm",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "bundle.msig",
					Usage: "path to write the bundle to",
				},
				cli.IntFlag{
					Name:  "threads, t",
					Usage: "number of worker threads (0 for one per CPU)",
				},
			},
		},
		{
			Name:      "verify",
			Usage:     "Verify a bundle against a trusted root",
			ArgsUsage: "<bundle>",
			Action:    cmdVerify,
			Flags:     []cli.Flag{rootFlag},
		},
		{
			Name:      "root",
			Usage:     "Print the (untrusted) root of a bundle",
			ArgsUsage: "<bundle>",
			Action:    cmdRoot,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "hex",
					Usage: "also print the root in hex",
				},
			},
		},
		{
			Name:      "archive",
			Usage:     "Store a bundle in an archive",
			ArgsUsage: "<bundle>",
			Action:    cmdArchive,
			Flags:     storeFlags,
		},
		{
			Name:   "get",
			Usage:  "Print an archived message after verifying it",
			Action: cmdGet,
			Flags: append([]cli.Flag{
				rootFlag,
				cli.IntFlag{
					Name:  "index, i",
					Usage: "index of the message in its bundle",
				},
			}, storeFlags...),
		},
		{
			Name:   "roots",
			Usage:  "List the roots in an archive",
			Action: cmdRoots,
			Flags:  storeFlags,
		},
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
