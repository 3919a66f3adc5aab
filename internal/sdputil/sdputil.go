// Package sdputil provides pure functions over SDP text: splitting
// multi-m-line descriptors into per-profile partials, codec filtering,
// connection address rewriting, and the reassembly rules used when
// answers are rebuilt from per-backend partials.
package sdputil

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Media profiles as they appear on the wire.
const (
	MediaAudio    = "audio"
	MediaVideo    = "video"
	ContentSlides = "slides"
)

// Parse unmarshals an SDP string.
func Parse(raw string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}
	return desc, nil
}

// Marshal serializes a session description back to text.
func Marshal(desc *sdp.SessionDescription) (string, error) {
	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal SDP: %w", err)
	}
	return string(raw), nil
}

// SessionHeader returns the session-level prelude (everything before the
// first m= line).
func SessionHeader(raw string) (string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return "", err
	}
	header := *desc
	header.MediaDescriptions = nil
	return Marshal(&header)
}

// Body returns the per-media sections with the session prelude removed.
func Body(raw string) string {
	idx := mediaSectionIndex(raw)
	if idx < 0 {
		return ""
	}
	return raw[idx:]
}

// mediaSectionIndex finds the offset of the first m= line.
func mediaSectionIndex(raw string) int {
	if strings.HasPrefix(raw, "m=") {
		return 0
	}
	for _, sep := range []string{"\r\nm=", "\nm="} {
		if idx := strings.Index(raw, sep); idx >= 0 {
			return idx + len(sep) - 2
		}
	}
	return -1
}

// PartialDescriptions splits a descriptor into one partial per media
// section, each carrying the full session header.
func PartialDescriptions(raw string) ([]string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	partials := make([]string, 0, len(desc.MediaDescriptions))
	for _, media := range desc.MediaDescriptions {
		partial := *desc
		partial.MediaDescriptions = []*sdp.MediaDescription{media}
		text, err := Marshal(&partial)
		if err != nil {
			return nil, err
		}
		partials = append(partials, text)
	}
	return partials, nil
}

// IsContentSection reports whether a media section carries screen-share
// semantics (a=content:slides).
func IsContentSection(media *sdp.MediaDescription) bool {
	value, ok := media.Attribute("content")
	return ok && strings.EqualFold(strings.TrimSpace(value), ContentSlides)
}

// extract returns the partial whose media section satisfies match.
func extract(raw string, match func(*sdp.MediaDescription) bool) (string, bool) {
	desc, err := Parse(raw)
	if err != nil {
		return "", false
	}
	for _, media := range desc.MediaDescriptions {
		if !match(media) {
			continue
		}
		partial := *desc
		partial.MediaDescriptions = []*sdp.MediaDescription{media}
		text, err := Marshal(&partial)
		if err != nil {
			return "", false
		}
		return text, true
	}
	return "", false
}

// AudioDescription returns the audio partial of a descriptor.
func AudioDescription(raw string) (string, bool) {
	return extract(raw, func(m *sdp.MediaDescription) bool {
		return m.MediaName.Media == MediaAudio
	})
}

// VideoDescription returns the main-video partial of a descriptor.
// Video sections marked a=content:slides belong to the content channel.
func VideoDescription(raw string) (string, bool) {
	return extract(raw, func(m *sdp.MediaDescription) bool {
		return m.MediaName.Media == MediaVideo && !IsContentSection(m)
	})
}

// ContentDescription returns the content (screen share) partial.
func ContentDescription(raw string) (string, bool) {
	return extract(raw, func(m *sdp.MediaDescription) bool {
		return m.MediaName.Media == MediaVideo && IsContentSection(m)
	})
}

// payloadFromAttribute extracts the payload type token from an attribute
// value like "96 H264/90000" or "96 apt=..".
func payloadFromAttribute(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// FilterVideoCodec retains only payload types for the named codec in every
// video section and drops orphan rtpmap/fmtp/rtcp-fb attributes.
func FilterVideoCodec(raw, codec string) (string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return "", err
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != MediaVideo {
			continue
		}

		keep := make(map[string]bool)
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 {
				continue
			}
			name := strings.SplitN(fields[1], "/", 2)[0]
			if strings.EqualFold(name, codec) {
				keep[fields[0]] = true
			}
		}

		formats := make([]string, 0, len(media.MediaName.Formats))
		for _, format := range media.MediaName.Formats {
			if keep[format] {
				formats = append(formats, format)
			}
		}
		media.MediaName.Formats = formats

		attrs := make([]sdp.Attribute, 0, len(media.Attributes))
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "rtpmap", "fmtp", "rtcp-fb":
				if !keep[payloadFromAttribute(attr.Value)] {
					continue
				}
			}
			attrs = append(attrs, attr)
		}
		media.Attributes = attrs
	}

	return Marshal(desc)
}

// ReplaceConnectionAddress substitutes every c= line address with ip.
// The session origin keeps its address; only connection data changes.
func ReplaceConnectionAddress(raw, ip string) (string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return "", err
	}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		desc.ConnectionInformation.Address.Address = ip
	}
	for _, media := range desc.MediaDescriptions {
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			media.ConnectionInformation.Address.Address = ip
		}
	}
	return Marshal(desc)
}

// DirectionOf returns the declared direction of a media section,
// defaulting to sendrecv per RFC 3264.
func DirectionOf(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return attr.Key
		}
	}
	return "sendrecv"
}

// ChosenCodecs inspects a descriptor and returns the codec names present
// per media kind ("audio", "video", "content"). Used after negotiation to
// narrow further negotiations to a compatible subset.
func ChosenCodecs(raw string) (map[string][]string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	chosen := make(map[string][]string)
	for _, media := range desc.MediaDescriptions {
		kind := media.MediaName.Media
		if kind == MediaVideo && IsContentSection(media) {
			kind = "content"
		}
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 {
				continue
			}
			name := strings.SplitN(fields[1], "/", 2)[0]
			chosen[kind] = append(chosen[kind], name)
		}
	}
	return chosen, nil
}

// hasAvailable reports whether at least one non-inactive section of the
// given kind with a non-zero port and at least one format exists.
func hasAvailable(raw, kind string) bool {
	desc, err := Parse(raw)
	if err != nil {
		return false
	}
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != kind {
			continue
		}
		if media.MediaName.Port.Value == 0 {
			continue
		}
		if DirectionOf(media) == "inactive" {
			continue
		}
		if len(media.MediaName.Formats) > 0 {
			return true
		}
	}
	return false
}

// HasAvailableAudioCodec reports the presence of a usable audio section.
func HasAvailableAudioCodec(raw string) bool {
	return hasAvailable(raw, MediaAudio)
}

// HasAvailableVideoCodec reports the presence of a usable video section.
func HasAvailableVideoCodec(raw string) bool {
	return hasAvailable(raw, MediaVideo)
}

// Reassemble joins per-media partials under a single session header.
// The audio partial is placed first; some endpoints refuse answers where
// audio is not the first m-line. Remaining partials keep their order.
func Reassemble(header string, partials []string) string {
	ordered := make([]string, 0, len(partials))
	rest := make([]string, 0, len(partials))
	for _, partial := range partials {
		if isAudioPartial(partial) {
			ordered = append(ordered, partial)
		} else {
			rest = append(rest, partial)
		}
	}
	ordered = append(ordered, rest...)

	var b strings.Builder
	b.WriteString(strings.TrimRight(header, "\r\n"))
	b.WriteString("\r\n")
	for _, partial := range ordered {
		body := Body(partial)
		if body == "" {
			continue
		}
		b.WriteString(strings.TrimRight(body, "\r\n"))
		b.WriteString("\r\n")
	}
	return b.String()
}

// isAudioPartial reports whether a partial's first media section is audio.
func isAudioPartial(partial string) bool {
	idx := mediaSectionIndex(partial)
	if idx < 0 {
		return false
	}
	return strings.HasPrefix(partial[idx:], "m=audio")
}

// InactiveStub returns an inactive zero-port media section used to pad
// reduced descriptors during renegotiation.
func InactiveStub(kind string) string {
	return "m=" + kind + " 0 RTP/AVP 0\r\na=inactive\r\n"
}

// StripAVPF rewrites an offer for plain-RTP peers: removes rtcp-fb, mid,
// the abs-send-time extension and setup:actpass attributes, and downshifts
// AVPF profiles to AVP.
func StripAVPF(raw string) (string, error) {
	desc, err := Parse(raw)
	if err != nil {
		return "", err
	}

	stripGroup := func(attrs []sdp.Attribute) []sdp.Attribute {
		kept := make([]sdp.Attribute, 0, len(attrs))
		for _, attr := range attrs {
			switch attr.Key {
			case "rtcp-fb", "mid", "setup", "group":
				continue
			case "extmap":
				if strings.Contains(attr.Value, "abs-send-time") {
					continue
				}
			}
			kept = append(kept, attr)
		}
		return kept
	}

	desc.Attributes = stripGroup(desc.Attributes)
	for _, media := range desc.MediaDescriptions {
		media.Attributes = stripGroup(media.Attributes)
		protos := make([]string, 0, len(media.MediaName.Protos))
		for _, proto := range media.MediaName.Protos {
			switch proto {
			case "AVPF":
				protos = append(protos, "AVP")
			case "SAVPF":
				protos = append(protos, "SAVP")
			default:
				protos = append(protos, proto)
			}
		}
		media.MediaName.Protos = protos
	}
	return Marshal(desc)
}
