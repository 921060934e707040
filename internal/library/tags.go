package library

import (
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	flac "github.com/go-flac/go-flac"
)

// readTagPresence probes whether the container tags carry lyrics or a
// cover. Only MP3 and FLAC tags are understood; other containers report
// neither.
func readTagPresence(path string) (lyric, cover bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
		if err != nil {
			return false, false
		}
		defer tag.Close()
		lyric = len(tag.GetFrames(tag.CommonID("Unsynchronised lyrics/text transcription"))) > 0
		cover = len(tag.GetFrames(tag.CommonID("Attached picture"))) > 0
		return lyric, cover
	case ".flac":
		f, err := flac.ParseFile(path)
		if err != nil {
			return false, false
		}
		for _, meta := range f.Meta {
			switch meta.Type {
			case flac.VorbisComment:
				if cmt, err := flacvorbis.ParseFromMetaDataBlock(*meta); err == nil {
					if vals, _ := cmt.Get("LYRICS"); len(vals) > 0 {
						lyric = true
					}
				}
			case flac.Picture:
				cover = true
			}
		}
		return lyric, cover
	default:
		return false, false
	}
}

func readTagLyric(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
		if err != nil {
			return "", false
		}
		defer tag.Close()
		for _, fr := range tag.GetFrames(tag.CommonID("Unsynchronised lyrics/text transcription")) {
			if uslt, ok := fr.(id3v2.UnsynchronisedLyricsFrame); ok && uslt.Lyrics != "" {
				return uslt.Lyrics, true
			}
		}
	case ".flac":
		f, err := flac.ParseFile(path)
		if err != nil {
			return "", false
		}
		for _, meta := range f.Meta {
			if meta.Type != flac.VorbisComment {
				continue
			}
			if cmt, err := flacvorbis.ParseFromMetaDataBlock(*meta); err == nil {
				if vals, _ := cmt.Get("LYRICS"); len(vals) > 0 {
					return vals[0], true
				}
			}
		}
	}
	return "", false
}

func readTagCover(path string) ([]byte, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
		if err != nil {
			return nil, false
		}
		defer tag.Close()
		for _, fr := range tag.GetFrames(tag.CommonID("Attached picture")) {
			if pic, ok := fr.(id3v2.PictureFrame); ok && len(pic.Picture) > 0 {
				return pic.Picture, true
			}
		}
	case ".flac":
		f, err := flac.ParseFile(path)
		if err != nil {
			return nil, false
		}
		for _, meta := range f.Meta {
			if meta.Type != flac.Picture {
				continue
			}
			if pic, err := flacpicture.ParseFromMetaDataBlock(*meta); err == nil && len(pic.ImageData) > 0 {
				return pic.ImageData, true
			}
		}
	}
	return nil, false
}
