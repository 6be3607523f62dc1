package tuyaconn

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
)

// frameHeader is the fixed-size prefix every outbound and inbound frame
// begins with: magic, sequence, command, and the length of everything that
// follows it on the wire.
type frameHeader struct {
	Prefix uint32
	Seq    uint32
	Cmd    uint32
	Length uint32
}

// decodedFrame is one fully-read, CRC-validated inbound frame.
type decodedFrame struct {
	Seq        uint32
	Cmd        Command
	ReturnCode uint32
	Payload    []byte
}

// encodeFrame serializes a packet per §4.2/§6: magic prefix, sequence,
// command, length (payload+8), payload, CRC32 over everything so far, magic
// suffix.
func encodeFrame(seq uint32, cmd Command, payload []byte) []byte {
	length := uint32(len(payload) + 8)
	buf := make([]byte, 16+len(payload)+8)

	binary.BigEndian.PutUint32(buf[0:4], magicPrefix)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(buf[12:16], length)
	copy(buf[16:], payload)

	crcEnd := 16 + len(payload)
	sum := crc32.ChecksumIEEE(buf[:crcEnd])
	binary.BigEndian.PutUint32(buf[crcEnd:crcEnd+4], sum)
	binary.BigEndian.PutUint32(buf[crcEnd+4:crcEnd+8], magicSuffix)

	return buf
}

// readFrame resyncs on the magic prefix (discarding intervening bytes,
// logging each one skipped) and reads one frame per §4.4. I/O failures are
// wrapped in ErrTransport and should tear the connection down; a frame read
// in full but failing CRC or suffix validation is wrapped in ErrProtocol and
// should be dropped without disconnecting.
func readFrame(r io.Reader, logger *log.Logger) (*decodedFrame, error) {
	var prefixBuf [4]byte
	for {
		if _, err := io.ReadFull(r, prefixBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading frame prefix: %v", ErrTransport, err)
		}
		if binary.BigEndian.Uint32(prefixBuf[:]) == magicPrefix {
			break
		}
		if logger != nil {
			logger.Printf("tuyaconn: resync: discarding non-magic byte %#02x", prefixBuf[0])
		}
		// Slide the window by one byte rather than by four: the real
		// prefix may start anywhere inside what we just read.
		copy(prefixBuf[0:3], prefixBuf[1:4])
		if _, err := io.ReadFull(r, prefixBuf[3:4]); err != nil {
			return nil, fmt.Errorf("%w: reading frame prefix: %v", ErrTransport, err)
		}
	}

	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: reading seq/cmd: %v", ErrTransport, err)
	}
	seq := binary.BigEndian.Uint32(head[0:4])
	cmd := binary.BigEndian.Uint32(head[4:8])

	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading length: %v", ErrTransport, err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length < 8 {
		return nil, fmt.Errorf("%w: declared length %d smaller than trailer", ErrProtocol, length)
	}
	remainder := make([]byte, length)
	if _, err := io.ReadFull(r, remainder); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", ErrTransport, err)
	}

	crcEnd := int(length) - 8
	tailCRC := binary.BigEndian.Uint32(remainder[crcEnd : crcEnd+4])
	suffix := binary.BigEndian.Uint32(remainder[crcEnd+4 : crcEnd+8])
	if suffix != magicSuffix {
		return nil, fmt.Errorf("%w: bad frame suffix %#08x", ErrProtocol, suffix)
	}

	toCRC := make([]byte, 0, 16+crcEnd)
	toCRC = append(toCRC, prefixBuf[:]...)
	toCRC = append(toCRC, head[:]...)
	toCRC = append(toCRC, lengthBuf[:]...)
	toCRC = append(toCRC, remainder[:crcEnd]...)
	if got := crc32.ChecksumIEEE(toCRC); got != tailCRC {
		return nil, fmt.Errorf("%w: CRC32 mismatch: got %#08x want %#08x", ErrProtocol, got, tailCRC)
	}

	var returnCode uint32
	var payload []byte
	switch {
	case crcEnd == 0:
		// No return code and no payload at all, e.g. a heartbeat ack.
	case crcEnd < 4:
		return nil, fmt.Errorf("%w: frame too short for return-code field", ErrProtocol)
	default:
		returnCode = binary.BigEndian.Uint32(remainder[0:4])
		if returnCode&0xFFFFFF00 != 0 {
			// Some firmware omits the return-code field entirely; what
			// we just read as "return code" is in fact the start of
			// the payload. Preserve this quirk rather than fixing it
			// up.
			payload = remainder[0:crcEnd]
			returnCode = 0
		} else {
			payload = remainder[4:crcEnd]
		}
	}

	return &decodedFrame{
		Seq:        seq,
		Cmd:        Command(cmd),
		ReturnCode: returnCode,
		Payload:    payload,
	}, nil
}
