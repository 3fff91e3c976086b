// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/wback/internal/core"
	"github.com/westerndigitalcorporation/wback/pkg/bcache"
	"github.com/westerndigitalcorporation/wback/pkg/device"
	"github.com/westerndigitalcorporation/wback/pkg/journal"
	"github.com/westerndigitalcorporation/wback/pkg/writeback"
)

// readCacheBlocks bounds the block cache backing the read command.
const readCacheBlocks = 1024

var usage = `
	wbcli inspects and manipulates device images carrying a writeback
	journal region. It can format a fresh region, show and validate the
	entries a crashed writer left behind, replay them, archive the region
	for offline analysis, and push data through a real writeback queue and
	journal into the image.

	You can use wbcli in two modes: either issue one command against a given
	image or start a command line interpreter to issue commands interactively.
	You can issue just one command by typing something like:

		wbcli --image <path> <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing:

		wbcli --image <path> shell

	The geometry flags (--region_start, --region_blocks, --block_size) must
	match the values the image was formatted with; the image records the
	entry area size but nothing records where the region starts.
	`

// wbCli lets users work on a journal image offline: inspect it, repair it,
// and move data through the same queue and journal the engine itself runs.
type wbCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App
	// Open image, reused across shell commands.
	dev device.Device
	// Cache key to know when we can reuse dev.
	devCacheKey string
	// Read cache over dev, created on first read.
	cache *bcache.Cache
	// True if we are running a shell.
	inShell bool
}

// newWbCli creates a new wbCli object.
func newWbCli() *wbCli {
	w := &wbCli{}
	app := cli.NewApp()
	app.Name = "wbcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "image, i",
			Usage: "Path to the device image file",
		},
		cli.IntFlag{
			Name:  "block_size",
			Usage: "Filesystem block size in bytes",
			Value: core.BlockSize,
		},
		cli.IntFlag{
			Name:  "region_start",
			Usage: "First device block of the journal region",
			Value: int(journal.DefaultConfig.RegionStart),
		},
		cli.IntFlag{
			Name:  "region_blocks",
			Usage: "Size of the journal region in blocks, info block included",
			Value: int(journal.DefaultConfig.RegionBlocks),
		},
		cli.BoolFlag{
			Name:  "direct",
			Usage: "Open the image with O_DIRECT",
		},
		cli.IntFlag{
			Name:  "ring",
			Usage: "Writeback ring size in blocks for replay and write",
			Value: 128,
		},
	}

	blockflag := cli.IntFlag{
		Name:  "block, b",
		Usage: "device block to read or write at (default: 0)",
	}
	countflag := cli.IntFlag{
		Name:  "count, n",
		Usage: "number of blocks to read",
		Value: 1,
	}
	datafileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to read or write data from (required for input, output defaults to stdout)",
	}
	blocksflag := cli.IntFlag{
		Name:  "blocks",
		Usage: "device size in blocks for a fresh image",
		Value: 262144,
	}

	app.Commands = []cli.Command{
		{
			Name:   "format",
			Usage:  "Writes a fresh journal region into the image, creating the image if needed.",
			Flags:  []cli.Flag{blocksflag},
			Action: w.cmdFormat,
		},
		{
			Name:    "info",
			Aliases: []string{"i"},
			Usage:   "Prints a summary of the journal region.",
			Action:  w.cmdInfo,
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Walks and validates the committed entries without applying them.",
			Action:  w.cmdScan,
		},
		{
			Name:   "replay",
			Usage:  "Applies committed entries to their final locations and checkpoints the region.",
			Action: w.cmdReplay,
		},
		{
			Name:   "dump",
			Usage:  "Archives the journal region to a compressed file.",
			Flags:  []cli.Flag{datafileflag},
			Action: w.cmdDump,
		},
		{
			Name:   "restore",
			Usage:  "Writes an archived journal region back into the image.",
			Flags:  []cli.Flag{datafileflag},
			Action: w.cmdRestore,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Streams a file's contents into the image through the writeback queue.",
			Flags:   []cli.Flag{blockflag, datafileflag},
			Action:  w.cmdWrite,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads blocks from the image through the block cache.",
			Flags:   []cli.Flag{blockflag, countflag, datafileflag},
			Action:  w.cmdRead,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: w.cmdShell,
		},
	}
	w.app = app

	// By default 'HelpName' will be the parent command name('wbcli' in our
	// case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range w.app.Commands {
		w.app.Commands[i].HelpName = w.app.Commands[i].Name
	}
	return w
}

// run starts a command specified by users.
func (w *wbCli) run(args []string) error {
	return w.app.Run(args)
}

// stop frees up all resource used by the wbCli object.
func (w *wbCli) stop() {
	w.closeDevice()
}

// closeDevice closes the cached image, cache first since its scratch buffer
// is registered on the device.
func (w *wbCli) closeDevice() {
	if w.cache != nil {
		w.cache.Close()
		w.cache = nil
	}
	if w.dev != nil {
		if err := w.dev.Close(); err != core.NoError {
			log.Errorf("Error closing image: %s", err)
		}
		w.dev = nil
		w.devCacheKey = ""
	}
}

// imagePath returns the image path from the global flags. Outside the shell
// a missing path is fatal; inside we just report it and keep the shell up.
func (w *wbCli) imagePath(c *cli.Context) string {
	path := c.GlobalString("image")
	if path == "" {
		log.Errorf("No image path provided. Use --image/-i.")
		if !w.inShell {
			os.Exit(1)
		}
	}
	return path
}

// getDevice returns the device image named by the global flags. If there's
// already one open for the same path and options, reuse it, otherwise open a
// new one.
func (w *wbCli) getDevice(c *cli.Context) device.Device {
	path := w.imagePath(c)
	if path == "" {
		return nil
	}
	key := fmt.Sprintf("%s:%d:%v", path, c.GlobalInt("block_size"), c.GlobalBool("direct"))
	if w.dev != nil && w.devCacheKey == key {
		return w.dev
	}
	w.closeDevice()

	// Opening a file device creates missing files; only format should do
	// that.
	if _, err := os.Stat(path); err != nil {
		log.Errorf("Couldn't stat image %q: %v (run format to create one)", path, err)
		return nil
	}
	dev, err := device.OpenFileDevice(path, 0, uint32(c.GlobalInt("block_size")), c.GlobalBool("direct"))
	if err != core.NoError {
		log.Errorf("Couldn't open image %q: %s", path, err)
		return nil
	}
	w.dev = dev
	w.devCacheKey = key
	return dev
}

// getCache returns a read cache over the current image, created on first use
// so repeated shell reads hit memory.
func (w *wbCli) getCache(c *cli.Context) *bcache.Cache {
	dev := w.getDevice(c)
	if dev == nil {
		return nil
	}
	if w.cache != nil {
		return w.cache
	}
	cache, err := bcache.NewCache(dev, uint32(c.GlobalInt("block_size")), readCacheBlocks, "wbcli")
	if err != core.NoError {
		log.Errorf("Couldn't create block cache: %s", err)
		return nil
	}
	w.cache = cache
	return cache
}

// journalConfig builds the journal geometry from the global flags.
func (w *wbCli) journalConfig(c *cli.Context) journal.Config {
	return journal.Config{
		RegionStart:  uint64(c.GlobalInt("region_start")),
		RegionBlocks: uint64(c.GlobalInt("region_blocks")),
		BlockSize:    uint32(c.GlobalInt("block_size")),
		Label:        filepath.Base(c.GlobalString("image")),
	}
}

// queueConfig builds the writeback ring geometry from the global flags.
func (w *wbCli) queueConfig(c *cli.Context) writeback.Config {
	return writeback.Config{
		Blocks:    uint64(c.GlobalInt("ring")),
		BlockSize: uint32(c.GlobalInt("block_size")),
		Label:     filepath.Base(c.GlobalString("image")),
	}
}

// cmdFormat implements the "format" subcommand.
func (w *wbCli) cmdFormat(c *cli.Context) {
	path := w.imagePath(c)
	if path == "" {
		return
	}
	w.closeDevice()

	bs := uint32(c.GlobalInt("block_size"))
	dev, err := device.OpenFileDevice(path, uint64(c.Int("blocks")), bs, c.GlobalBool("direct"))
	if err != core.NoError {
		log.Errorf("Couldn't open image %q: %s", path, err)
		return
	}
	cfg := w.journalConfig(c)
	if err := journal.Format(dev, cfg); err != core.NoError {
		log.Errorf("Format failed: %s", err)
		dev.Close()
		return
	}
	log.Infof("Formatted %q: %d blocks of %d bytes, journal region [%d, %d)",
		path, dev.BlockCount(), bs, cfg.RegionStart, cfg.RegionStart+cfg.RegionBlocks)
	w.dev = dev
	w.devCacheKey = fmt.Sprintf("%s:%d:%v", path, c.GlobalInt("block_size"), c.GlobalBool("direct"))
}

// cmdInfo implements the "info" subcommand.
func (w *wbCli) cmdInfo(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	ri, err := journal.Inspect(dev, w.journalConfig(c))
	if err != core.NoError {
		log.Errorf("Couldn't read journal region: %s", err)
		return
	}
	live := uint64(0)
	for _, e := range ri.Entries {
		live += uint64(len(e.Targets)) + 2
	}
	fmt.Printf("image:       %s\n", c.GlobalString("image"))
	fmt.Printf("device:      %d blocks of %d bytes\n", dev.BlockCount(), dev.BlockSize())
	fmt.Printf("entry area:  %d blocks\n", ri.EntryBlocks)
	fmt.Printf("start block: %d\n", ri.StartBlock)
	fmt.Printf("sequence:    %d\n", ri.Sequence)
	fmt.Printf("pending:     %d entries, %d blocks\n", len(ri.Entries), live)
}

// cmdScan implements the "scan" subcommand.
func (w *wbCli) cmdScan(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	ri, err := journal.Inspect(dev, w.journalConfig(c))
	if err != core.NoError {
		log.Errorf("Couldn't read journal region: %s", err)
		return
	}
	fmt.Printf("info: start=%d area=%d seq=%d\n", ri.StartBlock, ri.EntryBlocks, ri.Sequence)
	if len(ri.Entries) == 0 {
		fmt.Printf("no committed entries\n")
		return
	}
	fmt.Printf("%8s  %8s  %6s  %s\n", "seq", "pos", "blocks", "targets")
	for _, e := range ri.Entries {
		fmt.Printf("%8d  %8d  %6d  %s\n", e.Sequence, e.Position, len(e.Targets), targetList(e.Targets))
	}
}

// targetList renders target blocks compactly, folding contiguous runs.
func targetList(targets []uint64) string {
	var b bytes.Buffer
	for i := 0; i < len(targets); {
		j := i + 1
		for j < len(targets) && targets[j] == targets[j-1]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteString(",")
		}
		if j-i > 1 {
			fmt.Fprintf(&b, "%d-%d", targets[i], targets[j-1])
		} else {
			fmt.Fprintf(&b, "%d", targets[i])
		}
		i = j
	}
	return b.String()
}

// cmdReplay implements the "replay" subcommand. Open replays as a side
// effect; all this adds is the reporting around it.
func (w *wbCli) cmdReplay(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	q, err := writeback.NewQueue(dev, w.queueConfig(c))
	if err != core.NoError {
		log.Errorf("Couldn't create queue: %s", err)
		return
	}
	j, err := journal.Open(q, w.journalConfig(c))
	if err != core.NoError {
		log.Errorf("Replay failed: %s", err)
		q.Close()
		return
	}
	log.Infof("Replay complete: next sequence %d", j.Sequence())
	if err := j.Close(); err != core.NoError {
		log.Errorf("Journal close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		log.Errorf("Queue close: %s", err)
	}
}

// cmdDump implements the "dump" subcommand.
func (w *wbCli) cmdDump(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	filename := c.String("file")
	if filename == "" {
		log.Errorf("Output file required.")
		return
	}

	cfg := w.journalConfig(c)
	buf, err := device.NewBuffer(dev, cfg.RegionBlocks, cfg.BlockSize, "dump")
	if err != core.NoError {
		log.Errorf("Couldn't allocate region buffer: %s", err)
		return
	}
	defer buf.Release()
	ratio := buf.DeviceRatio()
	err = dev.Submit([]device.Request{
		{Op: device.OpRead, Handle: buf.Handle(), Buffer: 0, Device: cfg.RegionStart * ratio, Blocks: cfg.RegionBlocks * ratio},
	})
	if err != core.NoError {
		log.Errorf("Couldn't read journal region: %s", err)
		return
	}

	f, ferr := os.Create(filename)
	if ferr != nil {
		log.Errorf("Couldn't create archive %q: %v", filename, ferr)
		return
	}
	hdr := archiveHeader{
		BlockSize:    cfg.BlockSize,
		RegionStart:  cfg.RegionStart,
		RegionBlocks: cfg.RegionBlocks,
	}
	if e := writeArchive(f, hdr, buf.Data(0, cfg.RegionBlocks)); e != nil {
		log.Errorf("Couldn't write archive: %v", e)
		f.Close()
		return
	}
	if e := f.Close(); e != nil {
		log.Errorf("Couldn't close archive: %v", e)
		return
	}
	log.Infof("Dumped %d region blocks to %q", cfg.RegionBlocks, filename)
}

// cmdRestore implements the "restore" subcommand.
func (w *wbCli) cmdRestore(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	filename := c.String("file")
	if filename == "" {
		log.Errorf("Input file required.")
		return
	}
	f, ferr := os.Open(filename)
	if ferr != nil {
		log.Errorf("Couldn't open archive %q: %v", filename, ferr)
		return
	}
	defer f.Close()

	hdr, region, e := readArchive(f)
	if e != nil {
		log.Errorf("Couldn't read archive: %v", e)
		return
	}
	if hdr.BlockSize != uint32(c.GlobalInt("block_size")) {
		log.Errorf("Archive block size %d does not match --block_size %d", hdr.BlockSize, c.GlobalInt("block_size"))
		return
	}

	buf, err := device.NewBuffer(dev, hdr.RegionBlocks, hdr.BlockSize, "restore")
	if err != core.NoError {
		log.Errorf("Couldn't allocate region buffer: %s", err)
		return
	}
	defer buf.Release()
	copy(buf.Data(0, hdr.RegionBlocks), region)
	ratio := buf.DeviceRatio()
	err = dev.Submit([]device.Request{
		{Op: device.OpWrite, Handle: buf.Handle(), Buffer: 0, Device: hdr.RegionStart * ratio, Blocks: hdr.RegionBlocks * ratio},
		{Op: device.OpFlush},
	})
	if err != core.NoError {
		log.Errorf("Couldn't write journal region: %s", err)
		return
	}
	log.Infof("Restored %d region blocks at block %d from %q", hdr.RegionBlocks, hdr.RegionStart, filename)
}

// cmdWrite implements the "write" subcommand.
func (w *wbCli) cmdWrite(c *cli.Context) {
	dev := w.getDevice(c)
	if dev == nil {
		return
	}
	filename := c.String("file")
	if filename == "" {
		log.Errorf("Input file required.")
		return
	}
	data, e := ioutil.ReadFile(filename)
	if e != nil {
		log.Errorf("Couldn't open input file: %v", e)
		return
	}
	if len(data) == 0 {
		log.Errorf("Input file is empty.")
		return
	}

	bs := uint64(c.GlobalInt("block_size"))
	blocks := (uint64(len(data)) + bs - 1) / bs
	dst := uint64(c.Int("block"))

	cfg := w.journalConfig(c)
	if dst < cfg.RegionStart+cfg.RegionBlocks && dst+blocks > cfg.RegionStart {
		log.Errorf("Destination [%d, %d) overlaps the journal region [%d, %d)",
			dst, dst+blocks, cfg.RegionStart, cfg.RegionStart+cfg.RegionBlocks)
		return
	}
	if dst+blocks > dev.BlockCount() {
		log.Errorf("Destination [%d, %d) reaches past the device end at %d", dst, dst+blocks, dev.BlockCount())
		return
	}

	src := writeback.NewMemSource(blocks, uint32(bs))
	copy(src.Bytes(), data)

	q, err := writeback.NewQueue(dev, w.queueConfig(c))
	if err != core.NoError {
		log.Errorf("Couldn't create queue: %s", err)
		return
	}
	j, err := journal.Open(q, cfg)
	if err != core.NoError {
		log.Errorf("Couldn't open journal: %s", err)
		q.Close()
		return
	}

	s := journal.NewStreamer(j)
	if err := s.StreamData(journal.UnbufferedOp{Src: src, DevBlock: dst, Blocks: blocks}); err != core.NoError {
		log.Errorf("Stream failed: %s", err)
	} else if err := s.Flush().Wait(context.Background()); err != core.NoError {
		log.Errorf("Flush failed: %s", err)
	} else {
		log.Infof("Wrote %d bytes (%d blocks) at block %d", len(data), blocks, dst)
	}
	if err := j.Close(); err != core.NoError {
		log.Errorf("Journal close: %s", err)
	}
	if err := q.Close(); err != core.NoError {
		log.Errorf("Queue close: %s", err)
	}
}

// cmdRead implements the "read" subcommand.
func (w *wbCli) cmdRead(c *cli.Context) {
	cache := w.getCache(c)
	if cache == nil {
		return
	}
	block := uint64(c.Int("block"))
	count := uint64(c.Int("count"))

	data, err := cache.ReadBlocks(block, count)
	if err != core.NoError {
		log.Errorf("Read failed: %s", err)
		return
	}

	var output io.WriteCloser = os.Stdout
	filename := c.String("file")
	if filename != "" {
		var e error
		output, e = os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if e != nil {
			log.Errorf("Couldn't open output file: %v", e)
			return
		}
	}
	if _, e := output.Write(data); e != nil {
		log.Errorf("Write error: %v", e)
	}
	if filename != "" {
		output.Close()
	}
}

// cmdShell implements the "shell" subcommand.
func (w *wbCli) cmdShell(c *cli.Context) {
	w.inShell = true
	defer func() { w.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	// SetCompleter accepts a function that will be called when users type something
	// in shell. The func takes the currently edited line content at the left of the
	// cursor(stored in 'line') and returns a list of completion candidates.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range w.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", "wback"))
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if w.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the cli gets started already, forwarding
// the global flags so every shell command sees the same image and geometry.
func (w *wbCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"wbcli",
		"--image", c.GlobalString("image"),
		"--block_size", strconv.Itoa(c.GlobalInt("block_size")),
		"--region_start", strconv.Itoa(c.GlobalInt("region_start")),
		"--region_blocks", strconv.Itoa(c.GlobalInt("region_blocks")),
		"--ring", strconv.Itoa(c.GlobalInt("ring"))}
	if c.GlobalBool("direct") {
		cliArgs = append(cliArgs, "--direct")
	}
	cliArgs = append(cliArgs, args...)
	return w.run(cliArgs)
}
