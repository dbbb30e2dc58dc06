package metadata

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/agentic-research/bulkfs/internal/dictionary"
)

// XMLPropertiesFormat is the Java XML properties encoding:
// <properties><entry key="...">value</entry></properties>.
type XMLPropertiesFormat struct{}

type xmlProperties struct {
	XMLName xml.Name   `xml:"properties"`
	Comment string     `xml:"comment,omitempty"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// Suffix implements Format.
func (XMLPropertiesFormat) Suffix() string { return XMLPropertiesSuffix }

// Decode implements Format.
func (XMLPropertiesFormat) Decode(r io.Reader) ([]Entry, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader
	var doc xmlProperties
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse xml properties: %w", err)
	}
	entries := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, Entry{Key: e.Key, Value: e.Value})
	}
	return entries, nil
}

// WriteXMLProperties renders md as Java XML properties.
func WriteXMLProperties(w io.Writer, md *Metadata, dict *dictionary.Dictionary, sep string) error {
	doc := xmlProperties{}
	for _, e := range encodeEntries(md, dict, sep) {
		doc.Entries = append(doc.Entries, xmlEntry{Key: e.Key, Value: e.Value})
	}
	if _, err := io.WriteString(w, xml.Header+`<!DOCTYPE properties SYSTEM "http://java.sun.com/dtd/properties.dtd">`+"\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write xml properties: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// charsetReader accepts the single-byte Latin-1 declaration some exporters
// emit alongside UTF-8.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "utf-8", "utf8":
		return input, nil
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	}
	return nil, fmt.Errorf("unsupported charset %q", label)
}
