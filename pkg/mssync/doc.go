// Package mssync pulls the active program archive from a Loxone Miniserver
// over FTP and extracts the virtual input names it defines. The result seeds
// the relay's topic whitelist, so only inputs the miniserver actually knows
// are forwarded.
//
// The archive is a zip containing sps0.LoxCC, an LZ4-compressed block with a
// small header carrying sizes and a CRC32 of the uncompressed XML document.
package mssync
