package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadFileFromReader posts a file to /upload/image and returns the name the engine
// stored it under, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "client.UploadFileFromReader", "create form file")
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "client.UploadFileFromReader", "copy image data")
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	writer.Close()

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := c.do(ctx, http.MethodPost, "/upload/image", nil, &requestBody, writer.FormDataContentType(), &data); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "client.UploadFileFromReader", "upload to engine failed").
			WithField("filename", filename)
	}
	if data.Name == "" {
		return "", errors.New(errors.CodeUpload, "invalid upload response format").WithField("filename", filename)
	}

	// return the actual name that was chosen from the server side, relative to the
	// input directory so LoadImage can reference it
	name := data.Name
	if data.Subfolder != "" {
		name = data.Subfolder + "/" + data.Name
	}
	c.log.Debug("image uploaded", "requested", filename, "stored", name)
	return name, nil
}

func (c *ComfyClient) UploadFileFromPath(ctx context.Context, filePath string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "client.UploadFileFromPath", "open file")
	}
	defer file.Close()

	return c.UploadFileFromReader(ctx, file, filepath.Base(filePath), overwrite, filetype, subfolder)
}
