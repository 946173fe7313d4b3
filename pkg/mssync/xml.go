package mssync

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/c360/topicrelay/errors"
)

// programNode mirrors the subset of the Loxone program tree the extractor
// needs: nested C elements with Type and Title attributes.
type programNode struct {
	XMLName  xml.Name
	Type     string        `xml:"Type,attr"`
	Title    string        `xml:"Title,attr"`
	Children []programNode `xml:",any"`
}

// ExtractInputs returns the titles of all virtual inputs defined in a Loxone
// program document: every Title on a C element below a C element whose Type
// is VirtualInCaption.
func ExtractInputs(document []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(document))
	// Program exports declare legacy encodings; the content is ASCII-safe
	// where we read it.
	decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var root programNode
	if err := decoder.Decode(&root); err != nil {
		return nil, errors.WrapInvalid(err, "mssync", "ExtractInputs", "parse program XML")
	}

	var titles []string
	collectVirtualInputs(&root, &titles)
	return titles, nil
}

// collectVirtualInputs walks the tree looking for VirtualInCaption containers
// and gathers the titles of all C descendants beneath them.
func collectVirtualInputs(node *programNode, titles *[]string) {
	if node.XMLName.Local == "C" && node.Type == "VirtualInCaption" {
		for i := range node.Children {
			collectTitles(&node.Children[i], titles)
		}
	}
	for i := range node.Children {
		collectVirtualInputs(&node.Children[i], titles)
	}
}

func collectTitles(node *programNode, titles *[]string) {
	if node.XMLName.Local == "C" && node.Title != "" {
		*titles = append(*titles, node.Title)
	}
	for i := range node.Children {
		collectTitles(&node.Children[i], titles)
	}
}
