package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ReadSuperblock decodes the superblock held in a block.
func ReadSuperblock(data []byte) (*Disk_Superblock, error) {
	sup := new(Disk_Superblock)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, sup); err != nil {
		return nil, fmt.Errorf("(common) decode superblock: %w", err)
	}
	return sup, nil
}

// WriteSuperblock encodes a superblock into the start of a block.
func WriteSuperblock(data []byte, sup *Disk_Superblock) {
	buf := bytes.NewBuffer(data[:0])
	if err := binary.Write(buf, binary.LittleEndian, sup); err != nil {
		panic(err)
	}
}

// ReadInode copies entry inum out of an inode table block.
func ReadInode(data []byte, inum int, dip *Disk_Inode) {
	off := ((inum - 1) % INODES_PER_BLOCK) * INODE_SIZE
	r := bytes.NewReader(data[off : off+INODE_SIZE])
	if err := binary.Read(r, binary.LittleEndian, dip); err != nil {
		panic(err)
	}
}

// WriteInode copies dip into entry inum of an inode table block.
func WriteInode(data []byte, inum int, dip *Disk_Inode) {
	off := ((inum - 1) % INODES_PER_BLOCK) * INODE_SIZE
	buf := bytes.NewBuffer(data[off:off])
	if err := binary.Write(buf, binary.LittleEndian, dip); err != nil {
		panic(err)
	}
}

// RdIndir reads one entry of an indirect block, checking that it names a
// zone inside the data area.
func RdIndir(data []byte, index int, sb *Superblock) int {
	zone := int(binary.LittleEndian.Uint16(data[index*ZONE_NUM_SIZE:]))
	if zone != NO_ZONE && (zone < int(sb.Firstdatazone) || zone >= int(sb.Nzones)) {
		Fatalf("illegal zone %d in indirect block, index %d (data zones %d-%d)",
			zone, index, sb.Firstdatazone, sb.Nzones)
	}
	return zone
}

// WrIndir stores one entry of an indirect block.
func WrIndir(data []byte, index int, zone int) {
	binary.LittleEndian.PutUint16(data[index*ZONE_NUM_SIZE:], uint16(zone))
}
