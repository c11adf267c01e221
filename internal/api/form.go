package api

import (
	"bytes"
	"io"
	"mime/multipart"
)

// Form accumulates multipart fields in memory so the body can be re-sent on
// a post-refresh retry.
type Form struct {
	fields []field
	files  []file
}

type field struct {
	name, value string
}

type file struct {
	field, filename string
	data            []byte
}

func NewForm() *Form {
	return &Form{}
}

func (f *Form) AddField(name, value string) *Form {
	f.fields = append(f.fields, field{name: name, value: value})
	return f
}

func (f *Form) AddFile(fieldName, filename string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.files = append(f.files, file{field: fieldName, filename: filename, data: data})
	return nil
}

// Encode renders the body and returns it with its boundary-bearing
// content type.
func (f *Form) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, fld := range f.fields {
		if err := w.WriteField(fld.name, fld.value); err != nil {
			return nil, "", err
		}
	}
	for _, fl := range f.files {
		part, err := w.CreateFormFile(fl.field, fl.filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(fl.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
