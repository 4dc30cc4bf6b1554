//go:build unix && !linux

package mmap

// Prefault is only a hint; other systems fault pages in on demand.
const mapPopulate = 0
