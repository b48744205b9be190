package v1

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MediaTypeGeo marks a Location stored as a geo URI (RFC 5870).
const MediaTypeGeo = "application/geo+uri"

// Content is the body of a message: exactly one of Text, Image, File or Location.
type Content interface {
	// Kind returns the wire discriminator (KindText, KindImage, ...).
	Kind() string
	isContent()
}

// Text is a plain text message.
type Text struct {
	Body string
}

// Image is an attachment with an image/* media type. The URL points into external object storage.
type Image struct {
	URL       string
	MediaType string
	Caption   string
}

// File is any non-image attachment.
type File struct {
	URL       string
	MediaType string
	Caption   string
}

// Location is a shared map position.
type Location struct {
	Latitude  float64
	Longitude float64
	Label     string
}

func (Text) Kind() string     { return KindText }
func (Image) Kind() string    { return KindImage }
func (File) Kind() string     { return KindFile }
func (Location) Kind() string { return KindLocation }

func (Text) isContent()     {}
func (Image) isContent()    {}
func (File) isContent()     {}
func (Location) isContent() {}

// Parts flattens content into its storage columns.
func Parts(c Content) (body, mediaURL, mediaType string) {
	switch v := c.(type) {
	case Text:
		return v.Body, "", ""
	case Image:
		return v.Caption, v.URL, v.MediaType
	case File:
		return v.Caption, v.URL, v.MediaType
	case Location:
		return v.Label, GeoURI(v.Latitude, v.Longitude), MediaTypeGeo
	default:
		return "", "", ""
	}
}

// ContentFromParts rebuilds content from storage columns. Inputs are trimmed.
// It fails when body and media URL are both empty or a geo URI is malformed.
func ContentFromParts(body, mediaURL, mediaType string) (Content, error) {
	body = strings.TrimSpace(body)
	mediaURL = strings.TrimSpace(mediaURL)
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	if mediaURL == "" {
		if body == "" {
			return nil, errors.New("body and media_url are both empty")
		}
		return Text{Body: body}, nil
	}

	switch {
	case mediaType == MediaTypeGeo || strings.HasPrefix(strings.ToLower(mediaURL), "geo:"):
		lat, lng, err := ParseGeoURI(mediaURL)
		if err != nil {
			return nil, err
		}
		return Location{Latitude: lat, Longitude: lng, Label: body}, nil
	case strings.HasPrefix(mediaType, "image/"):
		return Image{URL: mediaURL, MediaType: mediaType, Caption: body}, nil
	default:
		return File{URL: mediaURL, MediaType: mediaType, Caption: body}, nil
	}
}

// GeoURI formats a "geo:lat,lng" URI.
func GeoURI(lat, lng float64) string {
	return "geo:" + strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)
}

// ParseGeoURI parses "geo:lat,lng[,alt][;params]".
func ParseGeoURI(s string) (lat, lng float64, err error) {
	s = strings.TrimSpace(s)
	if len(s) < 4 || !strings.EqualFold(s[:4], "geo:") {
		return 0, 0, fmt.Errorf("not a geo uri: %q", s)
	}
	coords := s[4:]
	if i := strings.IndexByte(coords, ';'); i >= 0 {
		coords = coords[:i]
	}
	parts := strings.Split(coords, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, fmt.Errorf("geo uri needs lat,lng: %q", s)
	}
	lat, err = strconv.ParseFloat(parts[0], 64)
	if err != nil || math.Abs(lat) > 90 {
		return 0, 0, fmt.Errorf("invalid latitude in %q", s)
	}
	lng, err = strconv.ParseFloat(parts[1], 64)
	if err != nil || math.Abs(lng) > 180 {
		return 0, 0, fmt.Errorf("invalid longitude in %q", s)
	}
	return lat, lng, nil
}

// Content decodes the message body into its typed form.
func (m Message) Content() (Content, error) {
	return ContentFromParts(m.Body, m.MediaURL, m.MediaType)
}

// WithContent returns a copy of m carrying c in its flattened columns.
func (m Message) WithContent(c Content) Message {
	m.Body, m.MediaURL, m.MediaType = Parts(c)
	if c != nil {
		m.Kind = c.Kind()
	}
	return m
}
