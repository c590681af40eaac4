// Command partialzip lists and extracts single files of remote ZIP archives.
//
//	partialzip list [-d] URL
//	partialzip download URL NAME OUTPUT
//	partialzip pipe URL NAME
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/snabb/partialzip"
	"github.com/snabb/partialzip/internal/logger"
)

// Exit codes, one per failure kind.
const (
	exitOK = iota
	exitUsage
	exitInvalidURL
	exitFileNotFound
	exitRangeNotSupported
	exitUnsupportedCompression
	exitMalformedArchive
	exitTransport
	exitArithmetic
	exitCodec
	exitEncrypted
	exitOutputExists
)

var errOutputExists = errors.New("output file already exists")

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	// A missing .env file is fine, the environment may carry everything.
	_ = godotenv.Load()
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	err := app.Run(args)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, err)
	return exitCode(err)
}

func exitCode(err error) int {
	var uce *partialzip.UnsupportedCompressionError
	var te *partialzip.TransportError
	var ce *partialzip.CodecError
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, errOutputExists):
		return exitOutputExists
	case errors.Is(err, partialzip.ErrInvalidURL):
		return exitInvalidURL
	case errors.Is(err, partialzip.ErrFileNotFound):
		return exitFileNotFound
	case errors.Is(err, partialzip.ErrRangeNotSupported):
		return exitRangeNotSupported
	case errors.As(err, &uce):
		return exitUnsupportedCompression
	case errors.Is(err, partialzip.ErrEncrypted):
		return exitEncrypted
	case errors.Is(err, partialzip.ErrMalformedArchive):
		return exitMalformedArchive
	case errors.As(err, &te):
		return exitTransport
	case errors.Is(err, partialzip.ErrArithmetic):
		return exitArithmetic
	case errors.As(err, &ce), errors.Is(err, partialzip.ErrChecksum):
		return exitCodec
	}
	return exitUsage
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "partialzip",
		Usage:     "Download single files from online zip archives",
		Writer:    stdout,
		ErrWriter: stderr,
		// Errors are printed and mapped to exit codes by run.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "check-range",
				Aliases: []string{"r"},
				Usage:   "fail unless the server supports range requests",
				EnvVars: []string{"PARTIALZIP_CHECK_RANGE"},
			},
			&cli.IntFlag{
				Name:    "max-redirects",
				Value:   partialzip.DefaultMaxRedirects,
				Usage:   "maximum number of redirects to follow",
				EnvVars: []string{"PARTIALZIP_MAX_REDIRECTS"},
			},
			&cli.DurationFlag{
				Name:    "connect-timeout",
				Value:   partialzip.DefaultConnectTimeout,
				Usage:   "connection timeout, 0 for none",
				EnvVars: []string{"PARTIALZIP_CONNECT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "basic authentication as `USER:PASSWORD`",
				EnvVars: []string{"PARTIALZIP_USER"},
			},
			&cli.StringFlag{
				Name:    "proxy",
				Usage:   "proxy URL, http://host:port or socks5://host:port",
				EnvVars: []string{"PARTIALZIP_PROXY"},
			},
			&cli.StringFlag{
				Name:    "proxy-user",
				Usage:   "proxy authentication as `USER:PASSWORD`",
				EnvVars: []string{"PARTIALZIP_PROXY_USER"},
			},
			&cli.BoolFlag{
				Name:    "legacy-names",
				Usage:   "decode non UTF-8 names as CP437",
				EnvVars: []string{"PARTIALZIP_LEGACY_NAMES"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "trace, debug, info, warn, error or off",
				EnvVars: []string{"PARTIALZIP_LOG_LEVEL"},
			},
		},
		Action: func(c *cli.Context) error {
			_ = cli.ShowAppHelp(c)
			if c.NArg() > 0 {
				return usageError{msg: fmt.Sprintf("unknown command %q", c.Args().First())}
			}
			return usageError{msg: "missing command"}
		},
		Before: func(c *cli.Context) error {
			logger.Init(c.String("log-level"), stderr)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "lists the files inside the zip",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "detailed",
						Aliases: []string{"d"},
						Usage:   "show sizes and whether each file can be extracted",
					},
				},
				Action: listAction,
			},
			{
				Name:      "download",
				Usage:     "download a file from the online zip",
				ArgsUsage: "URL NAME OUTPUT",
				Action:    downloadAction,
			},
			{
				Name:      "pipe",
				Usage:     "write a file from the online zip to stdout",
				ArgsUsage: "URL NAME",
				Action:    pipeAction,
			},
		},
	}
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		_ = cli.ShowSubcommandHelp(c)
		return usageError{msg: fmt.Sprintf("%s: expected %d arguments, got %d",
			c.Command.FullName(), n, c.NArg())}
	}
	return nil
}

func options(c *cli.Context) (partialzip.Options, error) {
	opts := partialzip.DefaultOptions()
	opts.CheckRange = c.Bool("check-range")
	opts.MaxRedirects = c.Int("max-redirects")
	opts.ConnectTimeout = c.Duration("connect-timeout")
	opts.LegacyNames = c.Bool("legacy-names")
	opts.Proxy = c.String("proxy")

	var err error
	if opts.BasicAuth, err = credentials(c.String("user")); err != nil {
		return opts, err
	}
	if opts.ProxyAuth, err = credentials(c.String("proxy-user")); err != nil {
		return opts, err
	}

	log := logger.New("partialzip")
	opts.Logger = &log
	return opts, nil
}

func credentials(s string) (*partialzip.Credentials, error) {
	if s == "" {
		return nil, nil
	}
	user, password, ok := strings.Cut(s, ":")
	if !ok {
		return nil, usageError{msg: "credentials must be given as USER:PASSWORD"}
	}
	return &partialzip.Credentials{Username: user, Password: password}, nil
}

func openArchive(c *cli.Context) (*partialzip.Archive, error) {
	opts, err := options(c)
	if err != nil {
		return nil, err
	}
	return partialzip.Open(c.Args().Get(0), opts)
}

func listAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	w := c.App.Writer
	if !c.Bool("detailed") {
		for _, name := range a.Names() {
			fmt.Fprintln(w, name)
		}
		return nil
	}
	for _, e := range a.ListDetailed() {
		fmt.Fprintf(w, "%s - %s - Supported: %t\n", e.Name, byteSize(e.CompressedSize), e.Supported)
	}
	return nil
}

func downloadAction(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	name, output := c.Args().Get(1), c.Args().Get(2)
	if _, err := os.Stat(output); err == nil {
		return errors.Wrapf(errOutputExists, "the output file %s already exists", output)
	}
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	n, err := a.DownloadToFile(name, output)
	if err != nil {
		return err
	}
	log := logger.New("partialzip")
	log.Info().Str("name", name).Int64("bytes", n).Msg("downloaded")
	fmt.Fprintf(c.App.Writer, "%s extracted to %s\n", name, output)
	return nil
}

func pipeAction(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	_, err = a.DownloadTo(c.Args().Get(1), c.App.Writer)
	return err
}

// byteSize formats n with a decimal unit, e.g. "7 B" or "1.2 MB".
func byteSize(n uint64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
