// Package tagembed writes title/artist/album/lyrics/cover into finished
// audio files. MP3 gets ID3v2 frames, FLAC gets Vorbis comments plus a
// picture block. Re-applying the same tags is idempotent on the observable
// values; frames of other kinds are preserved.
package tagembed

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
)

// Tags is what gets embedded. Empty fields are skipped; Cover may be any
// common image format and is converted to JPEG before embedding.
type Tags struct {
	Title  string
	Artist string
	Album  string
	Lyrics string
	Cover  []byte
}

func (t Tags) empty() bool {
	return t.Title == "" && t.Artist == "" && t.Album == "" && t.Lyrics == "" && len(t.Cover) == 0
}

// Apply embeds tags into the file at path, dispatching on the suffix.
// Unknown container formats are left untouched.
func Apply(path string, tags Tags) error {
	if tags.empty() {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return applyID3(path, tags)
	case ".flac":
		return applyFLAC(path, tags)
	default:
		return nil
	}
}

func applyID3(path string, tags Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}
	if tags.Lyrics != "" {
		tag.DeleteFrames(tag.CommonID("Unsynchronised lyrics/text transcription"))
		tag.AddUnsynchronisedLyricsFrame(id3v2.UnsynchronisedLyricsFrame{
			Encoding:          id3v2.EncodingUTF8,
			Language:          "und",
			ContentDescriptor: "",
			Lyrics:            tags.Lyrics,
		})
	}
	if len(tags.Cover) > 0 {
		jpg, err := ToJPEG(tags.Cover)
		if err == nil {
			tag.DeleteFrames(tag.CommonID("Attached picture"))
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    "image/jpeg",
				PictureType: id3v2.PTFrontCover,
				Description: "Front cover",
				Picture:     jpg,
			})
		}
	}
	return tag.Save()
}

func applyFLAC(path string, tags Tags) error {
	f, err := flac.ParseFile(path)
	if err != nil {
		return err
	}

	var cmt *flacvorbis.MetaDataBlockVorbisComment
	cmtIdx := -1
	for i, meta := range f.Meta {
		if meta.Type == flac.VorbisComment {
			parsed, err := flacvorbis.ParseFromMetaDataBlock(*meta)
			if err == nil {
				cmt = parsed
				cmtIdx = i
			}
			break
		}
	}
	if cmt == nil {
		cmt = flacvorbis.New()
	}

	set := func(field, value string) {
		if value == "" {
			return
		}
		kept := cmt.Comments[:0]
		prefix := strings.ToUpper(field) + "="
		for _, c := range cmt.Comments {
			if !strings.HasPrefix(strings.ToUpper(c), prefix) {
				kept = append(kept, c)
			}
		}
		cmt.Comments = kept
		cmt.Add(field, value)
	}
	set(flacvorbis.FIELD_TITLE, tags.Title)
	set(flacvorbis.FIELD_ARTIST, tags.Artist)
	set(flacvorbis.FIELD_ALBUM, tags.Album)
	set("LYRICS", tags.Lyrics)

	cmtBlock := cmt.Marshal()
	if cmtIdx >= 0 {
		f.Meta[cmtIdx] = &cmtBlock
	} else {
		f.Meta = append(f.Meta, &cmtBlock)
	}

	if len(tags.Cover) > 0 {
		if jpg, err := ToJPEG(tags.Cover); err == nil {
			pic, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, "Front cover", jpg, "image/jpeg")
			if err == nil {
				kept := f.Meta[:0]
				for _, meta := range f.Meta {
					if meta.Type != flac.Picture {
						kept = append(kept, meta)
					}
				}
				picBlock := pic.Marshal()
				f.Meta = append(kept, &picBlock)
			}
		}
	}

	// write-temp-then-rename keeps a crash from truncating the audio
	tmp := path + ".tmp"
	if err := f.Save(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
