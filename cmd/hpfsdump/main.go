package main

// hpfsdump is a small diagnostic CLI over the allocation core: it opens an
// image file read-only and reports the superblock summary and backing-file
// metadata, prints one fnode's file-sector to disk-sector mapping, or
// exports one named extended attribute, in the spirit of the teacher
// family's cmd/exfat_* tools (dsoprea-go-exfat). It does not list an
// fnode's extended attributes or report free space.

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"

	"github.com/hpfscore/hpfs/backend/file"
	"github.com/hpfscore/hpfs/hpfs"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"Path to the HPFS-compatible disk image" required:"true"`

	Info      bool   `long:"info" description:"Print superblock and backing-file metadata"`
	DumpFnode uint32 `long:"dump-fnode" description:"Print the file-sector to disk-sector mapping of the fnode at the given sector"`
	ExportEA  string `long:"export-ea" description:"name=path: copy extended attribute 'name' from --dump-fnode out to a host file, setting it there as a POSIX xattr"`
	Direct    bool   `long:"direct" description:"Open the image with O_DIRECT where the platform supports it, bypassing the page cache"`
}

var rootArguments = new(rootParameters)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err, ok := state.(error)
			if !ok {
				fmt.Fprintf(os.Stderr, "hpfsdump: panic: %v\n", state)
				os.Exit(2)
			}
			log.PrintError(log.Wrap(err))
			os.Exit(1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}

	storage, err := file.OpenFromPath(rootArguments.Filepath, true, rootArguments.Direct)
	log.PanicIf(err)

	m, err := hpfs.Open(storage, hpfs.MountOptions{ReadOnly: true, CheckLevel: hpfs.CheckBasic})
	log.PanicIf(err)

	switch {
	case rootArguments.Info:
		printInfo(m)
	case rootArguments.DumpFnode != 0 && rootArguments.ExportEA != "":
		exportEA(m, rootArguments.DumpFnode, rootArguments.ExportEA)
	case rootArguments.DumpFnode != 0:
		dumpFnode(m, rootArguments.DumpFnode)
	default:
		printInfo(m)
	}
}

func printInfo(m *hpfs.Mount) {
	fmt.Printf("root fnode:       %d\n", m.RootFnode())
	fmt.Printf("filesystem size:  %s sectors\n", humanize.Comma(int64(m.FilesystemSize())))
	fmt.Printf("session:          %s\n", m.SessionID())

	t, err := times.Stat(rootArguments.Filepath)
	if err != nil {
		fmt.Printf("backing file:     (timestamps unavailable: %v)\n", err)
		return
	}
	fmt.Printf("backing file:     mtime %s, change-time supported=%v, birth supported=%v\n",
		t.ModTime(), t.HasChangeTime(), t.HasBirthTime())
	if t.HasBirthTime() {
		fmt.Printf("backing file:     birth %s\n", t.BirthTime())
	}
}

func dumpFnode(m *hpfs.Mount, fno uint32) {
	fmt.Printf("fnode %d:\n", fno)
	for secno := uint32(0); ; secno++ {
		disk, err := m.Lookup(fno, secno)
		if err != nil {
			if hpfsErr, ok := err.(*hpfs.Error); ok && hpfsErr.Kind == hpfs.KindNotFound {
				break
			}
			log.PanicIf(err)
		}
		fmt.Printf("  file sector %-8d -> disk sector %-8d\n", secno, disk)
	}
}

func exportEA(m *hpfs.Mount, fno uint32, spec string) {
	name, path, ok := splitEASpec(spec)
	if !ok {
		fmt.Fprintf(os.Stderr, "hpfsdump: --export-ea wants name=path, got %q\n", spec)
		os.Exit(1)
	}

	value, err := m.GetEA(fno, name)
	log.PanicIf(err)

	f, err := os.Create(path)
	log.PanicIf(err)
	_, err = f.Write(value)
	log.PanicIf(err)
	log.PanicIf(f.Close())

	if err := xattr.Set(path, "user."+name, value); err != nil {
		fmt.Fprintf(os.Stderr, "hpfsdump: wrote %s but could not mirror as a POSIX xattr: %v\n", path, err)
		return
	}
	fmt.Printf("exported %d bytes of EA %q from fnode %d to %s (and as xattr user.%s)\n",
		len(value), name, fno, path, name)
}

func splitEASpec(spec string) (name, path string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}
