package repodata

import (
	"encoding/xml"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glorpus-work/conda-index/pkg/model"
)

// rssThresholdPackages caps the feed at the most recently updated packages.
const rssThresholdPackages = 100

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	PubDate       string    `xml:"pubDate"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description,omitempty"`
	Link        string `xml:"link,omitempty"`
	Comments    string `xml:"comments,omitempty"`
	GUID        string `xml:"guid,omitempty"`
	PubDate     string `xml:"pubDate,omitempty"`
	Source      string `xml:"source,omitempty"`
}

// RSS renders the channel feed: the most recently updated packages from
// channeldata, newest first.
func RSS(channelName string, channelData *model.Channeldata, now time.Time) ([]byte, error) {
	type recent struct {
		name string
		pkg  model.ChannelPackage
		ts   int64
	}
	packages := make([]recent, 0, len(channelData.Packages))
	for name, pkg := range channelData.Packages {
		packages = append(packages, recent{name: name, pkg: pkg, ts: asInt64(pkg["timestamp"])})
	}
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].ts != packages[j].ts {
			return packages[i].ts > packages[j].ts
		}
		return packages[i].name < packages[j].name
	})
	if len(packages) > rssThresholdPackages {
		packages = packages[:rssThresholdPackages]
	}

	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:         "anaconda.org/" + channelName,
			Link:          "https://conda.anaconda.org/" + channelName,
			Description:   "The most recent " + strconv.Itoa(len(packages)) + " updates for " + channelName + ".",
			PubDate:       iso822(now.Unix()),
			LastBuildDate: iso822(now.Unix()),
		},
	}

	for _, r := range packages {
		str := func(k string) string {
			s, _ := r.pkg[k].(string)
			return s
		}
		description := str("description")
		if description == "" {
			description = str("summary")
		}
		if description == "" {
			description = "No description."
		}
		version, _ := r.pkg["version"].(string)
		title := r.name + " " + version
		if subdirs := anySlice(r.pkg["subdirs"]); len(subdirs) > 0 {
			title += " [" + strings.Join(subdirs, ", ") + "]"
		}
		doc.Channel.Items = append(doc.Channel.Items, rssItem{
			Title:       title,
			Description: description,
			Link:        str("doc_url"),
			Comments:    str("dev_url"),
			GUID:        str("source_url"),
			PubDate:     iso822(r.ts),
			Source:      str("home"),
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func iso822(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
