package model

import (
	"bytes"
	"encoding/json"
)

// ChanneldataVersion is the current channeldata.json format version.
const ChanneldataVersion = 1

// ChannelPackage aggregates one package name's metadata across subdirs.
// Open-ended for the same reason Record is: about.json and recipes carry
// fields we pass through without interpreting.
type ChannelPackage map[string]any

// Channeldata is the channel-level channeldata.json document.
type Channeldata struct {
	ChanneldataVersion int                       `json:"channeldata_version"`
	Packages           map[string]ChannelPackage `json:"packages"`
	Subdirs            []string                  `json:"subdirs"`
}

// ParseChanneldata decodes an existing channeldata.json so incremental runs
// can extend it.
func ParseChanneldata(data []byte) (*Channeldata, error) {
	var cd Channeldata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cd); err != nil {
		return nil, err
	}
	if cd.Packages == nil {
		cd.Packages = map[string]ChannelPackage{}
	}
	cd.ChanneldataVersion = ChanneldataVersion
	return &cd, nil
}

// NewChanneldata returns an empty document.
func NewChanneldata() *Channeldata {
	return &Channeldata{
		ChanneldataVersion: ChanneldataVersion,
		Packages:           map[string]ChannelPackage{},
		Subdirs:            []string{},
	}
}

// ChanneldataFields are the keys kept in channeldata package entries.
var ChanneldataFields = []string{
	"description",
	"dev_url",
	"doc_url",
	"doc_source_url",
	"home",
	"license",
	"reference_package",
	"source_url",
	"source_git_url",
	"source_git_tag",
	"source_git_rev",
	"summary",
	"version",
	"subdirs",
	"icon_url",
	"icon_hash",
	"run_exports",
	"binary_prefix",
	"text_prefix",
	"activate.d",
	"deactivate.d",
	"pre_link",
	"post_link",
	"pre_unlink",
	"tags",
	"identifiers",
	"keywords",
	"recipe_origin",
	"timestamp",
}
