// Command swmrctl is a small demonstration CLI for the SWMR core: it
// opens (or creates) a container under a chosen path and exercises the
// writer or reader role against it.
//
// Usage:
//
//	swmrctl write <container-path> <offset> <text>
//	swmrctl read  <container-path> <offset> <size>
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/bljhdf/hdf5/swmr"
	"github.com/bljhdf/hdf5/vfd"
)

const pageSize = 4096

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "write":
		runWrite(os.Args[2:])
	case "read":
		runRead(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: swmrctl write <container-path> <offset> <text> | swmrctl read <container-path> <offset> <size>")
	os.Exit(2)
}

func commonOpts(path string) swmr.Options {
	return swmr.Options{
		PageBufferSize:  32 * pageSize,
		PageSize:        pageSize,
		MinMetaPct:      50,
		MinRawPct:       25,
		MDPagesReserved: 4,
		MDFilePath:      path + ".swmr",
		MaxLag:          3,
	}
}

func runWrite(args []string) {
	if len(args) != 3 {
		usage()
	}
	path := args[0]
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		log.Fatalf("bad offset: %v", err)
	}
	data := []byte(args[2])

	opts := commonOpts(path)
	opts.AccRDWR = true
	opts.AccSWMRWrite = true

	var h *swmr.Handle
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		h, err = swmr.Create(path, opts)
	} else {
		h, err = swmr.Open(path, opts)
	}
	if err != nil {
		log.Fatalf("open/create: %v", err)
	}
	defer h.Close()

	pageAddr := (offset / pageSize) * pageSize
	if !h.Buf.PageExists(pageAddr) {
		if _, err := h.VFD.Allocate(vfd.MemMetadata, pageSize); err != nil {
			log.Fatalf("allocate: %v", err)
		}
		if _, err := h.Buf.AddNewPage(vfd.MemMetadata, pageAddr, pageSize); err != nil {
			log.Fatalf("add new page: %v", err)
		}
	}
	if err := h.Buf.Write(vfd.MemMetadata, offset, data); err != nil {
		log.Fatalf("write: %v", err)
	}
	if h.Tick != nil {
		if err := h.Tick.EndTick(); err != nil {
			log.Fatalf("end tick: %v", err)
		}
		fmt.Printf("published tick %d\n", h.Tick.CurTick())
	}
}

func runRead(args []string) {
	if len(args) != 3 {
		usage()
	}
	path := args[0]
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		log.Fatalf("bad offset: %v", err)
	}
	size, err := strconv.Atoi(args[2])
	if err != nil {
		log.Fatalf("bad size: %v", err)
	}

	opts := commonOpts(path)
	opts.AccRDONLY = true
	opts.AccSWMRRead = true

	h, err := swmr.Open(path, opts)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer h.Close()

	got, err := h.Buf.Read(vfd.MemMetadata, offset, size)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	fmt.Printf("%s\n", got)
}
