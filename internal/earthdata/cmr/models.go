package cmr

import (
	"net/url"
	"strings"
	"time"

	"github.com/constelar/constelar/internal/airquality"
)

// Subset of the UMM-G search response used to locate granule files.

type searchResponse struct {
	Hits  int          `json:"hits"`
	Items []resultItem `json:"items"`
}

type resultItem struct {
	Meta meta    `json:"meta"`
	UMM  granule `json:"umm"`
}

type meta struct {
	ConceptID  string `json:"concept-id"`
	ProviderID string `json:"provider-id"`
}

type granule struct {
	GranuleUR      string          `json:"GranuleUR"`
	RelatedUrls    []relatedURL    `json:"RelatedUrls"`
	TemporalExtent *temporalExtent `json:"TemporalExtent"`
	DataGranule    *dataGranule    `json:"DataGranule"`
}

type relatedURL struct {
	URL  string `json:"URL"`
	Type string `json:"Type"`
}

type temporalExtent struct {
	RangeDateTime *struct {
		BeginningDateTime string `json:"BeginningDateTime"`
		EndingDateTime    string `json:"EndingDateTime"`
	} `json:"RangeDateTime"`
	SingleDateTime string `json:"SingleDateTime"`
}

type dataGranule struct {
	ArchiveAndDistributionInformation []struct {
		Name        string  `json:"Name"`
		SizeInBytes float64 `json:"SizeInBytes"`
	} `json:"ArchiveAndDistributionInformation"`
}

// Granule is one downloadable granule.
type Granule struct {
	ConceptID string
	GranuleUR string
	Start     time.Time
	End       time.Time

	// URLs are https "GET DATA" links, in catalog order.
	URLs []string

	// SizeBytes is the archive size when the catalog reports it.
	SizeBytes int64
}

// FileName is the flattened cache name for the granule's first data URL.
func (g Granule) FileName() string {
	if len(g.URLs) == 0 {
		return ""
	}
	u, err := url.Parse(g.URLs[0])
	if err != nil {
		return ""
	}
	i := strings.LastIndex(u.Path, "/")
	return u.Path[i+1:]
}

func (it resultItem) toGranule() Granule {
	g := Granule{
		ConceptID: it.Meta.ConceptID,
		GranuleUR: it.UMM.GranuleUR,
	}

	if te := it.UMM.TemporalExtent; te != nil {
		if te.RangeDateTime != nil {
			g.Start, _ = airquality.ParseTimestamp(te.RangeDateTime.BeginningDateTime)
			g.End, _ = airquality.ParseTimestamp(te.RangeDateTime.EndingDateTime)
		} else if ts, ok := airquality.ParseTimestamp(te.SingleDateTime); ok {
			g.Start, g.End = ts, ts
		}
	}

	for _, ru := range it.UMM.RelatedUrls {
		if ru.Type != "GET DATA" {
			continue
		}
		if !strings.HasPrefix(ru.URL, "https://") && !strings.HasPrefix(ru.URL, "http://") {
			continue
		}
		g.URLs = append(g.URLs, ru.URL)
	}

	if dg := it.UMM.DataGranule; dg != nil {
		for _, a := range dg.ArchiveAndDistributionInformation {
			g.SizeBytes += int64(a.SizeInBytes)
		}
	}

	return g
}
