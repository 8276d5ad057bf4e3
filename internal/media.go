package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// MediaInfo is what probing a source reveals.
type MediaInfo struct {
	Duration   time.Duration
	TimeScale  uint32
	Codec      string
	Fragmented bool
	SizeBytes  uint64
}

// Media is an opened media source that can be buffered from the start.
type Media interface {
	Info() MediaInfo
	// Buffered returns how much media from the start has been loaded so far.
	Buffered() time.Duration
	// BufferTo loads media until at least target is buffered or the media ends.
	// progress, if not nil, is called after every loaded chunk.
	BufferTo(ctx context.Context, target time.Duration, progress func(buffered time.Duration)) (time.Duration, error)
	// Close drops everything that was loaded.
	Close() error
}

// MediaLoader opens the media behind a feed item.
type MediaLoader interface {
	Open(ctx context.Context, item FeedItem) (Media, error)
}

// Mp4Loader opens local MP4 files referenced by plain paths or file:// URIs.
type Mp4Loader struct{}

// Open reads the box structure of the file behind item.SourceURI.
// Sample data is left on disk until BufferTo asks for it.
func (Mp4Loader) Open(ctx context.Context, item FeedItem) (Media, error) {
	path, err := localPath(item.SourceURI)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openMp4Media(path)
}

// ProbeDuration returns the duration of the MP4 file at path.
func ProbeDuration(path string) (time.Duration, error) {
	m, err := openMp4Media(path)
	if err != nil {
		return 0, err
	}
	defer m.Close()
	return m.Info().Duration, nil
}

func localPath(uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file://"), nil
	case strings.Contains(uri, "://"):
		return "", fmt.Errorf("unsupported source uri %q: only local files are loaded", uri)
	default:
		return uri, nil
	}
}

// mediaChunk is one loadable byte range, a fragment for fragmented files.
type mediaChunk struct {
	end   time.Duration
	start uint64
	size  uint64
}

// mp4Media keeps the chunk layout of an MP4 file and reads chunks on demand.
type mp4Media struct {
	info MediaInfo
	fh   *os.File

	mu       sync.Mutex
	chunks   []mediaChunk
	data     [][]byte
	next     int
	buffered time.Duration
	loaded   uint64
	closed   bool
}

func openMp4Media(path string) (*mp4Media, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	m, err := decodeMp4Media(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}
	m.fh = fh
	return m, nil
}

func decodeMp4Media(fh *os.File) (*mp4Media, error) {
	f, err := mp4.DecodeFile(fh, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return nil, fmt.Errorf("could not decode file: %w", err)
	}
	if !f.IsFragmented() {
		st, err := fh.Stat()
		if err != nil {
			return nil, fmt.Errorf("could not stat file: %w", err)
		}
		return progressiveMedia(f, uint64(st.Size()))
	}
	return fragmentedMedia(f)
}

// progressiveMedia handles non-fragmented files. The whole file is a single chunk.
func progressiveMedia(f *mp4.File, fileSize uint64) (*mp4Media, error) {
	if f.Moov == nil || f.Moov.Mvhd == nil {
		return nil, ErrNoMovieBox
	}
	mvhd := f.Moov.Mvhd
	if mvhd.Timescale == 0 {
		return nil, fmt.Errorf("mvhd timescale is zero")
	}
	dur := scaleToDuration(mvhd.Duration, mvhd.Timescale)
	m := &mp4Media{
		info: MediaInfo{
			Duration:  dur,
			TimeScale: mvhd.Timescale,
			SizeBytes: fileSize,
		},
	}
	for _, trak := range f.Moov.Traks {
		if codec := sampleEntryType(trak); codec != "" {
			m.info.Codec = codec
			break
		}
	}
	m.chunks = []mediaChunk{{end: dur, start: 0, size: fileSize}}
	m.data = make([][]byte, 1)
	return m, nil
}

func fragmentedMedia(f *mp4.File) (*mp4Media, error) {
	if f.Init == nil || len(f.Init.Moov.Traks) == 0 {
		return nil, fmt.Errorf("fragmented file without init segment")
	}
	trak := pickTrak(f.Init.Moov.Traks)
	trackID := trak.Tkhd.TrackID
	timeScale := trak.Mdia.Mdhd.Timescale
	if timeScale == 0 {
		return nil, fmt.Errorf("track %d has zero timescale", trackID)
	}
	var trex *mp4.TrexBox
	if mvex := f.Init.Moov.Mvex; mvex != nil {
		for _, tx := range mvex.Trexs {
			if tx.TrackID == trackID {
				trex = tx
			}
		}
	}
	if trex == nil {
		return nil, fmt.Errorf("no trex for track %d", trackID)
	}

	m := &mp4Media{
		info: MediaInfo{
			TimeScale:  timeScale,
			Codec:      sampleEntryType(trak),
			Fragmented: true,
		},
	}
	var firstDecodeTime, nextDecodeTime uint64
	haveFirst := false
	var end time.Duration
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			size := frag.Size()
			m.info.SizeBytes += size
			chunk := mediaChunk{start: frag.StartPos, size: size}
			traf := trafFor(frag, trackID)
			if traf != nil && len(traf.Truns) > 0 {
				decodeTime := nextDecodeTime
				if traf.Tfdt != nil {
					decodeTime = traf.Tfdt.BaseMediaDecodeTime()
				}
				if !haveFirst {
					firstDecodeTime = decodeTime
					haveFirst = true
				}
				defaultDur := trex.DefaultSampleDuration
				if traf.Tfhd.HasDefaultSampleDuration() {
					defaultDur = traf.Tfhd.DefaultSampleDuration
				}
				for _, trun := range traf.Truns {
					decodeTime += trun.Duration(defaultDur)
				}
				nextDecodeTime = decodeTime
				end = scaleToDuration(decodeTime-firstDecodeTime, timeScale)
			}
			chunk.end = end
			m.chunks = append(m.chunks, chunk)
		}
	}
	m.info.Duration = end
	m.data = make([][]byte, len(m.chunks))
	return m, nil
}

func trafFor(frag *mp4.Fragment, trackID uint32) *mp4.TrafBox {
	if frag.Moof == nil {
		return nil
	}
	for _, traf := range frag.Moof.Trafs {
		if traf.Tfhd != nil && traf.Tfhd.TrackID == trackID {
			return traf
		}
	}
	return nil
}

// pickTrak prefers the video track.
func pickTrak(traks []*mp4.TrakBox) *mp4.TrakBox {
	for _, trak := range traks {
		if trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "vide" {
			return trak
		}
	}
	return traks[0]
}

func sampleEntryType(trak *mp4.TrakBox) string {
	if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return ""
	}
	sd, err := trak.Mdia.Minf.Stbl.Stsd.GetSampleDescription(0)
	if err != nil {
		return ""
	}
	return sd.Type()
}

func scaleToDuration(t uint64, timeScale uint32) time.Duration {
	return time.Duration(t * uint64(time.Second) / uint64(timeScale))
}

func (m *mp4Media) Info() MediaInfo { return m.info }

func (m *mp4Media) Buffered() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

func (m *mp4Media) BufferTo(ctx context.Context, target time.Duration, progress func(time.Duration)) (time.Duration, error) {
	for {
		if err := ctx.Err(); err != nil {
			return m.Buffered(), err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, fmt.Errorf("media closed")
		}
		if m.buffered >= target || m.next >= len(m.chunks) {
			buffered := m.buffered
			m.mu.Unlock()
			return buffered, nil
		}
		nr := m.next
		c := m.chunks[nr]
		m.mu.Unlock()

		buf := make([]byte, c.size)
		if _, err := io.ReadFull(io.NewSectionReader(m.fh, int64(c.start), int64(c.size)), buf); err != nil {
			return m.Buffered(), fmt.Errorf("could not read bytes %d-%d: %w", c.start, c.start+c.size, err)
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, fmt.Errorf("media closed")
		}
		if m.next != nr {
			// Another caller loaded this chunk meanwhile.
			m.mu.Unlock()
			continue
		}
		m.data[nr] = buf
		m.next++
		m.loaded += c.size
		if c.end > m.buffered {
			m.buffered = c.end
		}
		buffered := m.buffered
		m.mu.Unlock()
		if progress != nil {
			progress(buffered)
		}
	}
}

// loadedBytes is the number of media bytes read into memory so far.
func (m *mp4Media) loadedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *mp4Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.chunks = nil
	m.data = nil
	m.buffered = 0
	m.loaded = 0
	if m.fh == nil {
		return nil
	}
	return m.fh.Close()
}
