package flv

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/utils/pio"
	"github.com/stagecast/stagecast/utils/uid"

	log "github.com/sirupsen/logrus"
)

var flvHeader = []byte{0x46, 0x4c, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}

const headerLen = 11

// Writer muxes packets into an FLV byte stream. The destination is any
// io.Writer: a local file, or the stdin of a remux child that owns the
// network leg. Writer implements av.Muxer; callers serialize Write/Close.
type Writer struct {
	Uid string
	av.RWBaser
	url       string
	buf       []byte
	ctx       io.Writer
	closeOnce sync.Once
	closeErr  error
}

func NewWriter(url string, ctx io.Writer) (*Writer, error) {
	w := &Writer{
		Uid:     uid.NewId(),
		url:     url,
		ctx:     ctx,
		RWBaser: av.NewRWBaser(0),
		buf:     make([]byte, headerLen),
	}

	if _, err := w.ctx.Write(flvHeader); err != nil {
		return nil, err
	}
	pio.PutI32BE(w.buf[:4], 0)
	if _, err := w.ctx.Write(w.buf[:4]); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) WritePacket(p *av.Packet) error {
	h := w.buf[:headerLen]
	typeID := av.TAG_VIDEO
	if !p.IsVideo {
		if p.IsMetadata {
			typeID = av.TAG_SCRIPTDATAAMF0
		} else {
			typeID = av.TAG_AUDIO
		}
	}
	dataLen := len(p.Data)
	timestamp := p.TimeStamp
	timestamp += w.BaseTimeStamp()
	w.RWBaser.RecTimeStamp(timestamp, uint32(typeID))

	preDataLen := dataLen + headerLen
	timestampbase := timestamp & 0xffffff
	timestampExt := timestamp >> 24 & 0xff

	pio.PutU8(h[0:1], uint8(typeID))
	pio.PutI24BE(h[1:4], int32(dataLen))
	pio.PutI24BE(h[4:7], int32(timestampbase))
	pio.PutU8(h[7:8], uint8(timestampExt))

	if _, err := w.ctx.Write(h); err != nil {
		return err
	}
	if _, err := w.ctx.Write(p.Data); err != nil {
		return err
	}
	pio.PutI32BE(h[:4], int32(preDataLen))
	if _, err := w.ctx.Write(h[:4]); err != nil {
		return err
	}
	return nil
}

func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		if c, ok := w.ctx.(io.Closer); ok {
			w.closeErr = c.Close()
		}
		log.Debug("flv writer closed: ", w.Info())
	})
	return w.closeErr
}

func (w *Writer) Info() string {
	return fmt.Sprintf("<uid: %s, url: %s, pos: %dms>", w.Uid, w.url, w.LastTimeStamp())
}

// OpenFile creates an FLV file target. When dir is set the file lands at
// dir/NAME_TIME.flv so repeated sessions never clobber each other; otherwise
// target is taken as the literal path.
func OpenFile(target, dir string) (*Writer, error) {
	fileName := target
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		base := path.Base(target)
		fileName = fmt.Sprintf("%s_%d.flv", path.Join(dir, base), time.Now().Unix())
	}
	log.Debug("flv save stream to: ", fileName)
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0755)
	if err != nil {
		return nil, err
	}
	return NewWriter(fileName, f)
}
