// Command archivetool inspects and edits archive caches on disk.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/dot5enko/archive-cache/archive"
	"github.com/dot5enko/archive-cache/chunk"
	"github.com/dot5enko/archive-cache/directory"
	"github.com/dot5enko/archive-cache/io"
	"github.com/dot5enko/archive-cache/spanheap"
	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"lukechampine.com/blake3"
)

var (
	buildVersion = "dev"
	buildDate    = ""
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "archivetool: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "archivetool",
		Usage:   "inspect and edit archive caches",
		Version: buildVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Value: ".", Usage: "folder holding the archives", EnvVars: []string{"ARCHIVE_ROOT"}},
			&cli.StringFlag{Name: "archive", Value: "cache.dat", Usage: "archive data file name relative to root", EnvVars: []string{"ARCHIVE_NAME"}},
			&cli.StringFlag{Name: "config", Value: "archive.yaml", Usage: "yaml config, defaults apply when absent", EnvVars: []string{"ARCHIVE_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", EnvVars: []string{"ARCHIVE_LOG_LEVEL"}},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:  "ls",
				Usage: "list blocks of the archive",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "digest", Usage: "print a blake3 digest of every payload"},
				},
				Action: listBlocks,
			},
			{
				Name:   "stats",
				Usage:  "print space usage",
				Action: printStats,
			},
			{
				Name:  "get",
				Usage: "write a payload to stdout",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "object key, decimal or 0x hex"},
				},
				Action: getPayload,
			},
			{
				Name:  "put",
				Usage: "commit a file under a key and flush",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "object key, decimal or 0x hex"},
					&cli.StringFlag{Name: "file", Required: true, Usage: "payload file, - for stdin"},
					&cli.StringFlag{Name: "name", Usage: "attached name"},
					&cli.StringFlag{Name: "string", Usage: "attached debug string"},
				},
				Action: putPayload,
			},
			{
				Name:   "compact",
				Usage:  "pack blocks to the front of the data file",
				Action: compactArchive,
			},
			{
				Name:   "inspect",
				Usage:  "dump the raw directory file",
				Action: inspectDirectory,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("unable to parse log level: %w", err)
	}

	noColor := !isatty.IsTerminal(os.Stderr.Fd())
	color.NoColor = color.NoColor || !isatty.IsTerminal(os.Stdout.Fd())

	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
	slog.SetDefault(logger)

	return nil
}

func openArchive(c *cli.Context) (*archive.Cache, error) {
	cfg, err := archive.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	if cfg.BuildVersion == archive.DefaultConfig().BuildVersion {
		cfg.BuildVersion = buildVersion
	}
	if cfg.BuildDate == "" {
		cfg.BuildDate = buildDate
	}
	cfg.Logger = slog.Default()

	return archive.NewCacheSet(c.String("root"), cfg).GetArchive(c.String("archive"))
}

func parseKey(raw string) (uint64, error) {
	key, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse key %q: %w", raw, err)
	}
	return key, nil
}

func formatOffset(offset uint32) string {
	if offset == archive.NoOffset {
		return "pending"
	}
	return strconv.FormatUint(uint64(offset), 10)
}

func listBlocks(c *cli.Context) error {
	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	metrics, err := cache.GetMetrics()
	if err != nil {
		return err
	}

	keyColor := color.New(color.FgGreen).SprintFunc()
	nameColor := color.New(color.FgYellow).SprintFunc()

	for _, b := range metrics.Blocks {
		line := fmt.Sprintf("%s %10s %10d", keyColor(fmt.Sprintf("%016x", b.Key)), formatOffset(b.Offset), b.Size)

		if c.Bool("digest") {
			payload, ok := cache.TryOpenFromCache(b.Key)
			if ok {
				sum := blake3.Sum256(payload)
				line += " " + hex.EncodeToString(sum[:])
			} else {
				line += " " + color.RedString("unreadable")
			}
		}

		if b.AttachedName != "" {
			line += " " + nameColor(b.AttachedName)
		}

		fmt.Fprintln(c.App.Writer, line)
	}

	return nil
}

func printStats(c *cli.Context) error {
	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	metrics, err := cache.GetMetrics()
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "blocks            %d\n", len(metrics.Blocks))
	fmt.Fprintf(w, "data file         %d\n", metrics.AllocatedFileSize)
	fmt.Fprintf(w, "used              %d\n", metrics.UsedSpace)
	fmt.Fprintf(w, "heap              %d\n", metrics.HeapSize)
	fmt.Fprintf(w, "free in heap      %d\n", metrics.AvailableSpace)
	fmt.Fprintf(w, "largest free      %d\n", metrics.LargestFreeBlock)
	fmt.Fprintf(w, "compressed        %t\n", metrics.Compressed)

	wasted := fmt.Sprintf("%d", metrics.WastedSpace())
	if metrics.AllocatedFileSize > 0 && metrics.WastedSpace()*4 > metrics.AllocatedFileSize {
		wasted = color.YellowString("%s (compact recommended)", wasted)
	}
	fmt.Fprintf(w, "wasted            %s\n", wasted)

	return nil
}

func getPayload(c *cli.Context) error {
	key, err := parseKey(c.String("key"))
	if err != nil {
		return err
	}

	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	payload, ok := cache.TryOpenFromCache(key)
	if !ok {
		return fmt.Errorf("key %016x not found", key)
	}

	_, err = c.App.Writer.Write(payload)
	return err
}

func putPayload(c *cli.Context) error {
	key, err := parseKey(c.String("key"))
	if err != nil {
		return err
	}

	var payload []byte
	if path := c.String("file"); path == "-" {
		var buf bytes.Buffer
		_, err = buf.ReadFrom(os.Stdin)
		payload = buf.Bytes()
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("unable to read payload: %w", err)
	}

	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	cache.Commit(key, payload, c.String("name"), c.String("string"), func() {
		slog.Info("stored", "key", fmt.Sprintf("%016x", key), "bytes", len(payload))
	})

	return cache.FlushToDisk()
}

func compactArchive(c *cli.Context) error {
	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	result, err := cache.Compact()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s moved %d spans, heap %d -> %d\n", color.GreenString("compacted"), result.Moves, result.HeapSizeBefore, result.HeapSizeAfter)

	return nil
}

func inspectDirectory(c *cli.Context) error {
	cache, err := openArchive(c)
	if err != nil {
		return err
	}

	fh := io.NewFileHandle(cache.DirectoryPath())
	if err := fh.SoftOpen(); err != nil {
		if errors.Is(err, io.ErrNotExist) {
			fmt.Fprintln(c.App.Writer, "no directory yet")
			return nil
		}
		return err
	}
	defer fh.Close()

	size, err := fh.Size()
	if err != nil {
		return err
	}

	fileHeader, table, err := chunk.LoadChunkTable(fh.Raw(), size)
	if err != nil {
		return err
	}

	w := c.App.Writer
	spew.Fdump(w, fileHeader, table)

	record, _, err := directory.Load(cache.DirectoryPath())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "flags %#x, %d blocks, %d heap bytes\n", record.Flags, len(record.Blocks), len(record.Heap))

	h, err := spanheap.FromFlattened[uint32](record.Heap)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "heap hash %016x\n", h.CalculateHash())
	spew.Fdump(w, h.Spans())

	return nil
}
