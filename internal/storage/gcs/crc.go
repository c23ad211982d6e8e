package gcs

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c is the checksum GCS validates uploads against.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
