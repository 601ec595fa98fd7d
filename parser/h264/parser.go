package h264

import (
	"bytes"
	"fmt"
)

const (
	nalu_type_not_define byte = 0
	nalu_type_slice      byte = 1 // slice_layer_without_partitioning_rbsp
	nalu_type_dpa        byte = 2
	nalu_type_dpb        byte = 3
	nalu_type_dpc        byte = 4
	nalu_type_idr        byte = 5
	nalu_type_sei        byte = 6
	nalu_type_sps        byte = 7
	nalu_type_pps        byte = 8
	nalu_type_aud        byte = 9
	nalu_type_eoesq      byte = 10
	nalu_type_eostream   byte = 11
	nalu_type_filler     byte = 12
)

var (
	errNaluEmpty   = fmt.Errorf("nalu data empty")
	errNoParamSets = fmt.Errorf("sps/pps not seen yet")
)

var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// Parser consumes the Annex B byte stream an encoder process writes to its
// stdout and regroups it into access units. The encoder is asked to insert
// access unit delimiters, so a unit ends where the next AUD begins.
type Parser struct {
	sps []byte
	pps []byte
	buf bytes.Buffer
}

func NewParser() *Parser {
	return &Parser{}
}

func naluType(nalu []byte) byte {
	return nalu[0] & 0x1f
}

// SplitNALUs cuts an Annex B buffer at its start codes. The returned slices
// alias b.
func SplitNALUs(b []byte) [][]byte {
	var nalus [][]byte
	for len(b) > 0 {
		i := bytes.Index(b, startCode3)
		if i < 0 {
			if len(b) > 0 {
				nalus = append(nalus, b)
			}
			break
		}
		start := i + 3
		next := bytes.Index(b[start:], startCode3)
		var nalu []byte
		if next < 0 {
			nalu = b[start:]
			b = nil
		} else {
			end := start + next
			if end > start && b[end-1] == 0x00 {
				end--
			}
			nalu = b[start:end]
			b = b[start+next:]
		}
		if len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}
	}
	return nalus
}

// Feed appends stream bytes and returns every complete access unit now
// available. An access unit is the bytes from one AUD up to (excluding) the
// next; the tail after the last AUD stays buffered until more data arrives.
func (p *Parser) Feed(data []byte) [][]byte {
	p.buf.Write(data)
	b := p.buf.Bytes()

	var units [][]byte
	var cuts []int
	for off := 0; ; {
		i := bytes.Index(b[off:], startCode3)
		if i < 0 {
			break
		}
		pos := off + i
		naluStart := pos + 3
		if naluStart >= len(b) {
			break
		}
		codeStart := pos
		if pos > 0 && b[pos-1] == 0x00 {
			codeStart = pos - 1
		}
		if naluType(b[naluStart:]) == nalu_type_aud {
			cuts = append(cuts, codeStart)
		}
		off = naluStart
	}
	if len(cuts) < 2 {
		return nil
	}
	for i := 0; i+1 < len(cuts); i++ {
		au := make([]byte, cuts[i+1]-cuts[i])
		copy(au, b[cuts[i]:cuts[i+1]])
		units = append(units, au)
		p.scanParamSets(au)
	}
	rest := make([]byte, len(b)-cuts[len(cuts)-1])
	copy(rest, b[cuts[len(cuts)-1]:])
	p.buf.Reset()
	p.buf.Write(rest)
	return units
}

// Drain returns whatever is buffered as a final access unit. Called after the
// encoder process closed its output.
func (p *Parser) Drain() []byte {
	if p.buf.Len() == 0 {
		return nil
	}
	au := make([]byte, p.buf.Len())
	copy(au, p.buf.Bytes())
	p.buf.Reset()
	p.scanParamSets(au)
	return au
}

func (p *Parser) scanParamSets(au []byte) {
	for _, nalu := range SplitNALUs(au) {
		switch naluType(nalu) {
		case nalu_type_sps:
			p.sps = append([]byte(nil), nalu...)
		case nalu_type_pps:
			p.pps = append([]byte(nil), nalu...)
		}
	}
}

// ParamSets returns the most recent SPS and PPS seen in the stream.
func (p *Parser) ParamSets() (sps, pps []byte, err error) {
	if p.sps == nil || p.pps == nil {
		return nil, nil, errNoParamSets
	}
	return p.sps, p.pps, nil
}

// IsKeyUnit reports whether the access unit contains an IDR slice.
func IsKeyUnit(au []byte) bool {
	for _, nalu := range SplitNALUs(au) {
		if naluType(nalu) == nalu_type_idr {
			return true
		}
	}
	return false
}

// ToAVCC repacks an Annex B access unit into 4-byte length-prefixed form,
// dropping AUD and filler units the container has no use for.
func ToAVCC(au []byte) ([]byte, error) {
	nalus := SplitNALUs(au)
	if len(nalus) == 0 {
		return nil, errNaluEmpty
	}
	var out bytes.Buffer
	for _, nalu := range nalus {
		switch naluType(nalu) {
		case nalu_type_aud, nalu_type_filler:
			continue
		}
		l := len(nalu)
		out.Write([]byte{byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)})
		out.Write(nalu)
	}
	if out.Len() == 0 {
		return nil, errNaluEmpty
	}
	return out.Bytes(), nil
}
