package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/logrusorgru/aurora"
	isatty "github.com/mattn/go-isatty"
	cli "github.com/urfave/cli/v2"

	"github.com/sellesoft/lpp"
	lspserver "github.com/sellesoft/lpp/internal/lspserver"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "lpp"
	app.Usage = "preprocesses a text file against an embedded scripting runtime"
	app.Description = "language-agnostic text preprocessor"
	app.Version = fmt.Sprintf("lpp version %s", lpp.Version)
	app.UsageText = "lpp [options] [input] [-- argv...]"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "write preprocessed output to PATH instead of stdout",
		},
		&cli.StringFlag{
			Name:    "dep-file",
			Aliases: []string{"D"},
			Usage:   "write a make-style dependency file to PATH",
		},
		&cli.StringFlag{
			Name:    "meta-file",
			Aliases: []string{"M"},
			Usage:   "write the generated script for the primary input to PATH",
		},
		&cli.StringSliceFlag{
			Name:    "require-dir",
			Aliases: []string{"R"},
			Usage:   "additional script-require search directory",
		},
		&cli.StringSliceFlag{
			Name:    "native-module-dir",
			Aliases: []string{"C"},
			Usage:   "additional native-module search directory",
		},
		&cli.StringSliceFlag{
			Name:    "include-dir",
			Aliases: []string{"I"},
			Usage:   "additional include search directory",
		},
	}
	app.Action = run
	app.Commands = []*cli.Command{langserverCommand}
	return app
}

var langserverCommand = &cli.Command{
	Name:  "langserver",
	Usage: "run the lpp language server over stdio",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "logfile",
			Usage: "file to log output",
			Value: "/tmp/lpp-langserver.log",
		},
	},
	Action: func(c *cli.Context) error {
		f, err := os.Create(c.String("logfile"))
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)

		s := lspserver.NewServer()
		return s.Listen(context.Background(), os.Stdin, os.Stdout)
	},
}

// run drives one Lpp session over a single positional input path ("-" or
// omitted means stdin); everything else on the command line that isn't
// consumed by a recognized flag is forwarded to scripts as lpp.argv,
// matching spec.md's CLI surface.
func run(c *cli.Context) error {
	name := "<stdin>"
	var input io.Reader = os.Stdin
	argv := c.Args().Slice()

	if len(argv) > 0 {
		if argv[0] != "-" {
			name = argv[0]
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			input = f
		}
		argv = argv[1:]
	}

	var output io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		output = f
	}

	var depOutput io.Writer
	if path := c.String("dep-file"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		depOutput = f
	}

	var metaOutput io.Writer
	if path := c.String("meta-file"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		metaOutput = f
	}

	color := aurora.NewAurora(isatty.IsTerminal(os.Stderr.Fd()))

	l := lpp.New()
	if err := l.Init(lpp.Params{
		Name:             name,
		Input:            input,
		Output:           output,
		DepOutput:        depOutput,
		MetaOutput:       metaOutput,
		Argv:             argv,
		IncludeDirs:      c.StringSlice("include-dir"),
		RequireDirs:      c.StringSlice("require-dir"),
		NativeModuleDirs: c.StringSlice("native-module-dir"),
		Color:            color,
	}); err != nil {
		return err
	}
	defer l.Deinit()

	if !l.Run(c.Context) {
		return cli.Exit("", 1)
	}
	return nil
}
