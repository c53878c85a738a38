package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// GetPngMetadata returns the tEXt chunks of a PNG. ComfyUI stores the API graph
// under "prompt" and the UI workflow under "workflow".
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	txtChunks := make(map[string]string)

	for {
		var length uint32
		err = binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		_, err = io.ReadFull(r, chunkType)
		if err != nil {
			return nil, err
		}

		switch string(chunkType) {
		case "tEXt":
			chunkData := make([]byte, length)
			_, err = io.ReadFull(r, chunkData)
			if err != nil {
				return nil, err
			}

			keywordEnd := bytes.IndexByte(chunkData, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}
			txtChunks[string(chunkData[:keywordEnd])] = string(chunkData[keywordEnd+1:])
		case "IEND":
			return txtChunks, nil
		default:
			_, err = io.CopyN(io.Discard, r, int64(length))
			if err != nil {
				return nil, err
			}
		}

		// CRC
		_, err = io.CopyN(io.Discard, r, 4)
		if err != nil {
			return nil, err
		}
	}

	return txtChunks, nil
}

// TemplateFromPNG builds a template from the "prompt" chunk of a ComfyUI output image.
func TemplateFromPNG(name string, r io.Reader) (*GraphTemplate, error) {
	chunks, err := GetPngMetadata(r)
	if err != nil {
		return nil, invalidTemplate(name, "read png: %v", err)
	}
	prompt, ok := chunks["prompt"]
	if !ok {
		return nil, invalidTemplate(name, "png has no prompt metadata")
	}
	return ParseTemplate(name, []byte(prompt))
}
