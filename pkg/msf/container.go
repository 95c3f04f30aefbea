// Package msf implements just enough of the Multi-Stream File container
// format backing PDBs to satisfy the PDB rewrite step: list streams,
// replace a stream's contents, write the result to a new path. The
// paging, free-page-map, and stream-directory layout follow the public
// MSF documentation (the same superblock/stream-table shape referenced
// by every MSF reader in the wild); nothing beyond stream-level
// read/replace/write is exposed, since nothing upstream needs more than
// that black-box surface.
package msf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	superblockMagic  = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"
	defaultPageSize  = 4096
	superblockLength = 56 // fixed portion of the page-0 superblock, magic through the page number of the stream directory's page-number map

	// OldDirectoryStreamIndex is the reserved back-compat slot older
	// tooling used to locate the previous stream directory. Rewriting
	// it to empty avoids leaving a stale directory shadow behind.
	OldDirectoryStreamIndex = 0

	// HeaderStreamIndex holds the PDB header (version, timestamp, age,
	// sig70) that binds the PDB to its PE.
	HeaderStreamIndex = 1
)

// superblock mirrors the fixed-size portion of MSF page 0.
type superblock struct {
	pageSize       uint32
	freeBlockMapPN uint32
	numPages       uint32
	streamDirSize  uint32
	reserved       uint32
	streamDirPNMap uint32 // page holding the (possibly multi-page) list of pages backing the stream directory
}

// Container is an in-memory, fully-decoded MSF file: every stream's
// bytes are materialized up front, so Stream/ReplaceStream never touch
// paging again until WriteTo re-serializes.
type Container struct {
	pageSize uint32
	streams  [][]byte
}

// Open reads path and decodes every stream into memory.
func Open(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("msf: open %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes an MSF container from an in-memory byte slice.
func Parse(data []byte) (*Container, error) {
	if len(data) < superblockLength {
		return nil, fmt.Errorf("msf: file too short for a superblock (%d bytes)", len(data))
	}
	if string(data[:len(superblockMagic)]) != superblockMagic {
		return nil, fmt.Errorf("msf: bad superblock magic")
	}

	sb := superblock{
		pageSize:       binary.LittleEndian.Uint32(data[32:36]),
		freeBlockMapPN: binary.LittleEndian.Uint32(data[36:40]),
		numPages:       binary.LittleEndian.Uint32(data[40:44]),
		streamDirSize:  binary.LittleEndian.Uint32(data[44:48]),
		reserved:       binary.LittleEndian.Uint32(data[48:52]),
		streamDirPNMap: binary.LittleEndian.Uint32(data[52:56]),
	}
	if sb.pageSize == 0 {
		return nil, fmt.Errorf("msf: zero page size")
	}

	readPage := func(pn uint32) ([]byte, error) {
		start := int64(pn) * int64(sb.pageSize)
		end := start + int64(sb.pageSize)
		if start < 0 || end > int64(len(data)) {
			return nil, fmt.Errorf("msf: page %d out of bounds", pn)
		}
		return data[start:end], nil
	}

	// The stream directory may span several pages; their page numbers
	// are listed as consecutive uint32 entries in the single
	// streamDirPNMap page. A directory needing more page numbers than
	// that one page holds is rejected.
	dirPagesNeeded := int(math.Ceil(float64(sb.streamDirSize) / float64(sb.pageSize)))
	pnMapPage, err := readPage(sb.streamDirPNMap)
	if err != nil {
		return nil, err
	}
	if dirPagesNeeded*4 > len(pnMapPage) {
		return nil, fmt.Errorf("msf: stream directory spans more pages than a single page-number map page can list")
	}

	dirPages := make([]uint32, dirPagesNeeded)
	for i := range dirPages {
		dirPages[i] = binary.LittleEndian.Uint32(pnMapPage[i*4 : i*4+4])
	}

	streamDir := make([]byte, 0, sb.streamDirSize)
	for _, pn := range dirPages {
		p, err := readPage(pn)
		if err != nil {
			return nil, err
		}
		streamDir = append(streamDir, p...)
	}
	streamDir = streamDir[:sb.streamDirSize]

	if len(streamDir) < 4 {
		return nil, fmt.Errorf("msf: stream directory too short")
	}
	numStreams := binary.LittleEndian.Uint32(streamDir[0:4])
	cursor := 4

	sizes := make([]uint32, numStreams)
	for i := range sizes {
		if cursor+4 > len(streamDir) {
			return nil, fmt.Errorf("msf: stream directory truncated reading sizes")
		}
		sizes[i] = binary.LittleEndian.Uint32(streamDir[cursor : cursor+4])
		cursor += 4
	}

	streams := make([][]byte, numStreams)
	for i, size := range sizes {
		// A stream size of 0xFFFFFFFF denotes an absent/nil stream.
		if size == 0xFFFFFFFF {
			streams[i] = nil
			continue
		}
		pagesNeeded := int(math.Ceil(float64(size) / float64(sb.pageSize)))
		buf := make([]byte, 0, size)
		for p := 0; p < pagesNeeded; p++ {
			if cursor+4 > len(streamDir) {
				return nil, fmt.Errorf("msf: stream directory truncated reading page numbers for stream %d", i)
			}
			pn := binary.LittleEndian.Uint32(streamDir[cursor : cursor+4])
			cursor += 4
			page, err := readPage(pn)
			if err != nil {
				return nil, err
			}
			buf = append(buf, page...)
		}
		streams[i] = buf[:size]
	}

	return &Container{pageSize: sb.pageSize, streams: streams}, nil
}

// NumStreams reports how many streams the directory lists.
func (c *Container) NumStreams() int { return len(c.streams) }

// Stream returns stream index's bytes, or an error if index is out of
// range.
func (c *Container) Stream(index int) ([]byte, error) {
	if index < 0 || index >= len(c.streams) {
		return nil, fmt.Errorf("msf: stream %d out of range (have %d)", index, len(c.streams))
	}
	return c.streams[index], nil
}

// ReplaceStream overwrites stream index's contents. index must already
// exist; streams are never added or removed by this package.
func (c *Container) ReplaceStream(index int, data []byte) error {
	if index < 0 || index >= len(c.streams) {
		return fmt.Errorf("msf: stream %d out of range (have %d)", index, len(c.streams))
	}
	c.streams[index] = data
	return nil
}

// WriteTo serializes the container to a fresh MSF layout at path: page
// 0 holds the superblock, page 1 the free page map, followed by each
// stream's data pages in stream order, then the stream directory's own
// pages, then the page listing the directory's pages. The resulting layout is always internally
// consistent even though it rarely matches the original file's page
// assignment byte-for-byte — nothing downstream depends on page
// placement, only on Stream(index) returning the right bytes.
func (c *Container) WriteTo(path string) error {
	pageSize := c.pageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	var pages [][]byte
	alloc := func(data []byte) []uint32 {
		n := int(math.Ceil(float64(len(data)) / float64(pageSize)))
		pns := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			page := make([]byte, pageSize)
			start := i * int(pageSize)
			end := start + int(pageSize)
			if end > len(data) {
				end = len(data)
			}
			copy(page, data[start:end])
			pns = append(pns, uint32(len(pages)))
			pages = append(pages, page)
		}
		return pns
	}

	// Reserve page 0 (superblock) and page 1 (free page map) up front.
	pages = append(pages, make([]byte, pageSize), make([]byte, pageSize))

	// Build the raw stream directory bytes: numStreams, then each
	// stream's size, then each stream's page-number list.
	var sizes []byte
	var pageLists []byte
	numStreams := uint32(len(c.streams))
	for _, s := range c.streams {
		sz := make([]byte, 4)
		if s == nil {
			binary.LittleEndian.PutUint32(sz, 0xFFFFFFFF)
			sizes = append(sizes, sz...)
			continue
		}
		binary.LittleEndian.PutUint32(sz, uint32(len(s)))
		sizes = append(sizes, sz...)
		for _, pn := range alloc(s) {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, pn)
			pageLists = append(pageLists, b...)
		}
	}

	streamDir := make([]byte, 0, 4+len(sizes)+len(pageLists))
	numBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBuf, numStreams)
	streamDir = append(streamDir, numBuf...)
	streamDir = append(streamDir, sizes...)
	streamDir = append(streamDir, pageLists...)

	dirPages := alloc(streamDir)

	// The stream directory's own page-number list must itself fit in
	// one page (see the matching assumption in Parse).
	if len(dirPages)*4 > int(pageSize) {
		return fmt.Errorf("msf: stream directory too large to describe in a single page-number map page")
	}
	pnMapPage := make([]byte, pageSize)
	for i, pn := range dirPages {
		binary.LittleEndian.PutUint32(pnMapPage[i*4:i*4+4], pn)
	}
	pnMapPageNum := uint32(len(pages))
	pages = append(pages, pnMapPage)

	sb := make([]byte, superblockLength)
	copy(sb, superblockMagic)
	binary.LittleEndian.PutUint32(sb[32:36], pageSize)
	binary.LittleEndian.PutUint32(sb[36:40], 1) // free page map lives at page 1
	binary.LittleEndian.PutUint32(sb[40:44], uint32(len(pages)))
	binary.LittleEndian.PutUint32(sb[44:48], uint32(len(streamDir)))
	binary.LittleEndian.PutUint32(sb[48:52], 0)
	binary.LittleEndian.PutUint32(sb[52:56], pnMapPageNum)
	pages[0] = padPage(sb, pageSize)

	out := make([]byte, 0, len(pages)*int(pageSize))
	for _, p := range pages {
		out = append(out, p...)
	}

	return os.WriteFile(path, out, 0644)
}

func padPage(data []byte, pageSize uint32) []byte {
	page := make([]byte, pageSize)
	copy(page, data)
	return page
}
