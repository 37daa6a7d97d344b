package main

import (
	"fmt"
	"io"

	"github.com/Station-Manager/serialcomm"
	"github.com/goccy/go-json"
)

type jsonResult struct {
	Port      string  `json:"port"`
	Reason    string  `json:"reason"`
	Partial   bool    `json:"partial"`
	Length    int     `json:"length"`
	Hex       string  `json:"hex"`
	Values    []int   `json:"values"`
	Text      string  `json:"text"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// writeResult prints the raw bytes as hex alongside their decoded text.
func writeResult(w io.Writer, format, port, encoding string, res serialcomm.FrameResult) error {
	text, err := res.Text(encoding)
	if err != nil {
		return err
	}
	if format == "json" {
		return json.NewEncoder(w).Encode(jsonResult{
			Port:      port,
			Reason:    res.Reason().String(),
			Partial:   res.Reason().Partial(),
			Length:    res.Len(),
			Hex:       fmt.Sprintf("%x", res.Bytes()),
			Values:    res.ByteValues(),
			Text:      text,
			ElapsedMS: float64(res.Elapsed().Microseconds()) / 1000,
		})
	}
	_, err = fmt.Fprintf(w, "port:    %s\nreason:  %s\nbytes:   %d\nelapsed: %v\nhex:     % x\ntext:    %q\n",
		port, res.Reason(), res.Len(), res.Elapsed(), res.Bytes(), text)
	return err
}
