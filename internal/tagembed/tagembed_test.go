package tagembed

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacvorbis"
)

func makeMP3(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kw_abc_128k.mp3")
	if err := os.WriteFile(p, []byte("FAKE-MPEG-AUDIO-DATA"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// makeFLAC writes the smallest parseable FLAC: marker + empty STREAMINFO,
// plus a frame sync code so go-flac accepts the audio stream.
func makeFLAC(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("fLaC")
	buf.Write([]byte{0x80, 0x00, 0x00, 0x22}) // last block, type 0, len 34
	buf.Write(make([]byte, 34))
	buf.Write([]byte{0xFF, 0xF8}) // frame header sync code
	p := filepath.Join(t.TempDir(), "kw_abc_flac.flac")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestApply_mp3Frames(t *testing.T) {
	p := makeMP3(t)
	tags := Tags{Title: "S", Artist: "A", Album: "B", Lyrics: "[00:00]hi", Cover: pngBytes(t)}
	if err := Apply(p, tags); err != nil {
		t.Fatal(err)
	}

	tag, err := id3v2.Open(p, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer tag.Close()
	if tag.Title() != "S" || tag.Artist() != "A" || tag.Album() != "B" {
		t.Errorf("tags = %q/%q/%q", tag.Title(), tag.Artist(), tag.Album())
	}
	uslt := tag.GetFrames(tag.CommonID("Unsynchronised lyrics/text transcription"))
	if len(uslt) != 1 {
		t.Fatalf("USLT frames = %d, want 1", len(uslt))
	}
	if f, ok := uslt[0].(id3v2.UnsynchronisedLyricsFrame); !ok || f.Lyrics != "[00:00]hi" {
		t.Errorf("lyrics frame = %+v", uslt[0])
	}
	apic := tag.GetFrames(tag.CommonID("Attached picture"))
	if len(apic) != 1 {
		t.Fatalf("APIC frames = %d, want 1", len(apic))
	}
	pic, ok := apic[0].(id3v2.PictureFrame)
	if !ok {
		t.Fatalf("APIC frame type %T", apic[0])
	}
	if pic.PictureType != id3v2.PTFrontCover || pic.MimeType != "image/jpeg" {
		t.Errorf("picture type=%d mime=%q", pic.PictureType, pic.MimeType)
	}
	if len(pic.Picture) < 3 || pic.Picture[0] != 0xFF || pic.Picture[1] != 0xD8 {
		t.Error("embedded cover is not JPEG")
	}
}

func TestApply_mp3Idempotent(t *testing.T) {
	p := makeMP3(t)
	tags := Tags{Title: "S", Artist: "A", Album: "B", Lyrics: "text"}
	if err := Apply(p, tags); err != nil {
		t.Fatal(err)
	}
	if err := Apply(p, tags); err != nil {
		t.Fatal(err)
	}
	tag, err := id3v2.Open(p, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer tag.Close()
	if tag.Title() != "S" {
		t.Errorf("title = %q", tag.Title())
	}
	if n := len(tag.GetFrames(tag.CommonID("Unsynchronised lyrics/text transcription"))); n != 1 {
		t.Errorf("USLT frames after re-apply = %d, want 1", n)
	}
}

func TestApply_flacVorbisComments(t *testing.T) {
	p := makeFLAC(t)
	if err := Apply(p, Tags{Title: "S", Artist: "A", Album: "B", Lyrics: "line", Cover: pngBytes(t)}); err != nil {
		t.Fatal(err)
	}

	f, err := flac.ParseFile(p)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, meta := range f.Meta {
		if meta.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*meta)
		if err != nil {
			t.Fatal(err)
		}
		found = true
		title, _ := cmt.Get(flacvorbis.FIELD_TITLE)
		if len(title) != 1 || title[0] != "S" {
			t.Errorf("TITLE = %v", title)
		}
		lyr, _ := cmt.Get("LYRICS")
		if len(lyr) != 1 || lyr[0] != "line" {
			t.Errorf("LYRICS = %v", lyr)
		}
	}
	if !found {
		t.Fatal("no vorbis comment block written")
	}
	var pics int
	for _, meta := range f.Meta {
		if meta.Type == flac.Picture {
			pics++
		}
	}
	if pics != 1 {
		t.Errorf("picture blocks = %d, want 1", pics)
	}
}

func TestApply_flacIdempotent(t *testing.T) {
	p := makeFLAC(t)
	tags := Tags{Title: "S", Artist: "A"}
	if err := Apply(p, tags); err != nil {
		t.Fatal(err)
	}
	if err := Apply(p, tags); err != nil {
		t.Fatal(err)
	}
	f, err := flac.ParseFile(p)
	if err != nil {
		t.Fatal(err)
	}
	for _, meta := range f.Meta {
		if meta.Type != flac.VorbisComment {
			continue
		}
		cmt, _ := flacvorbis.ParseFromMetaDataBlock(*meta)
		if title, _ := cmt.Get(flacvorbis.FIELD_TITLE); len(title) != 1 {
			t.Errorf("TITLE values after re-apply = %v, want single", title)
		}
	}
}

func TestApply_unknownExtNoop(t *testing.T) {
	p := filepath.Join(t.TempDir(), "kw_abc_128k.ogg")
	if err := os.WriteFile(p, []byte("ogg-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Apply(p, Tags{Title: "S"}); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(p)
	if string(raw) != "ogg-data" {
		t.Error("unknown container was modified")
	}
}

func TestApply_emptyTagsNoop(t *testing.T) {
	p := makeMP3(t)
	before, _ := os.ReadFile(p)
	if err := Apply(p, Tags{}); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(p)
	if !bytes.Equal(before, after) {
		t.Error("empty tags must not touch the file")
	}
}

func TestToJPEG_signatures(t *testing.T) {
	jpg, err := ToJPEG(pngBytes(t))
	if err != nil {
		t.Fatal(err)
	}
	if sniff(jpg) != "jpeg" {
		t.Error("png not converted to jpeg")
	}
	// jpeg passthrough: same bytes back
	same, err := ToJPEG(jpg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(jpg, same) {
		t.Error("jpeg input should pass through unchanged")
	}
	if _, err := ToJPEG([]byte("not an image")); err == nil {
		t.Error("garbage should not convert")
	}
}
