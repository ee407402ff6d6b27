package geodata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

// facilityTags maps an OSM key=value pair to the facility it denotes.
var facilityTags = []struct {
	key, value string
	facility   models.FacilityType
}{
	{"amenity", "hospital", models.FacilityHospital},
	{"amenity", "school", models.FacilitySchool},
	{"bridge", "yes", models.FacilityBridge},
	{"power", "plant", models.FacilityPowerStation},
	{"power", "substation", models.FacilityPowerStation},
	{"man_made", "water_works", models.FacilityWaterTreatment},
	{"man_made", "mast", models.FacilityCellTower},
	{"man_made", "communications_tower", models.FacilityCellTower},
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type OverpassClient struct {
	client *resty.Client
	url    string
}

func NewOverpassClient(url string, timeout time.Duration) *OverpassClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", "disaster-sentinel/1.0")
	return &OverpassClient{client: client, url: url}
}

// Query builds the Overpass QL request for buildings and every facility tag.
func Query(bbox geo.BBox) string {
	area := fmt.Sprintf("(%s,%s,%s,%s)",
		fmtCoord(bbox.MinLat), fmtCoord(bbox.MinLon), fmtCoord(bbox.MaxLat), fmtCoord(bbox.MaxLon))

	var b strings.Builder
	b.WriteString("[out:json][timeout:60];(")
	b.WriteString("way[\"building\"]" + area + ";")
	for _, t := range facilityTags {
		fmt.Fprintf(&b, "nwr[%q=%q]%s;", t.key, t.value, area)
	}
	b.WriteString(");out center;")
	return b.String()
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *OverpassClient) Fetch(ctx context.Context, bbox geo.BBox) (*Features, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"data": Query(bbox)}).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("error doing overpass request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected overpass status code: %d", resp.StatusCode())
	}
	return parseOverpass(resp.Body())
}

func parseOverpass(body []byte) (*Features, error) {
	var data overpassResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("error decoding overpass response: %w", err)
	}

	f := &Features{}
	for _, el := range data.Elements {
		lat, lon := el.Lat, el.Lon
		if el.Center != nil {
			lat, lon = el.Center.Lat, el.Center.Lon
		}
		if !(geo.Point{X: lon, Y: lat}).Valid() || (lat == 0 && lon == 0) {
			continue
		}
		osmID := el.Type + "/" + strconv.FormatInt(el.ID, 10)

		if ft, ok := facilityType(el.Tags); ok {
			f.Infrastructure = append(f.Infrastructure, Facility{
				OSMID:        osmID,
				FacilityType: ft,
				Name:         el.Tags["name"],
				Lat:          lat,
				Lon:          lon,
			})
		}
		if _, ok := el.Tags["building"]; ok {
			f.Buildings = append(f.Buildings, Building{OSMID: osmID, Lat: lat, Lon: lon})
		}
	}
	return f, nil
}

func facilityType(tags map[string]string) (models.FacilityType, bool) {
	for _, t := range facilityTags {
		if tags[t.key] == t.value {
			return t.facility, true
		}
	}
	return "", false
}
