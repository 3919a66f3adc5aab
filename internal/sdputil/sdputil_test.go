package sdputil

import (
	"strings"
	"testing"
)

func sdpText(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func offerAudioVideo() string {
	return sdpText(
		"v=0",
		"o=- 123456 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 49170 RTP/AVP 0 8",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=sendrecv",
		"m=video 51372 RTP/AVPF 96 97",
		"a=rtpmap:96 H264/90000",
		"a=rtpmap:97 VP8/90000",
		"a=fmtp:96 profile-level-id=42e01f",
		"a=rtcp-fb:96 nack pli",
		"a=rtcp-fb:97 nack pli",
		"a=sendrecv",
	)
}

func offerWithContent() string {
	return sdpText(
		"v=0",
		"o=- 7890 1 IN IP4 10.0.0.2",
		"s=-",
		"c=IN IP4 10.0.0.2",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"m=video 4002 RTP/AVP 96",
		"a=rtpmap:96 H264/90000",
		"m=video 4004 RTP/AVP 96",
		"a=rtpmap:96 H264/90000",
		"a=content:slides",
	)
}

func TestPartialDescriptions(t *testing.T) {
	partials, err := PartialDescriptions(offerAudioVideo())
	if err != nil {
		t.Fatalf("PartialDescriptions: %v", err)
	}
	if len(partials) != 2 {
		t.Fatalf("expected 2 partials, got %d", len(partials))
	}
	if !strings.Contains(partials[0], "m=audio") {
		t.Errorf("first partial should carry audio:\n%s", partials[0])
	}
	if strings.Contains(partials[0], "m=video") {
		t.Errorf("audio partial should not carry video")
	}
	if !strings.Contains(partials[1], "m=video") {
		t.Errorf("second partial should carry video")
	}
	for _, partial := range partials {
		if !strings.HasPrefix(partial, "v=0") {
			t.Errorf("partial lost session header:\n%s", partial)
		}
	}
}

func TestContentDetection(t *testing.T) {
	offer := offerWithContent()

	video, ok := VideoDescription(offer)
	if !ok {
		t.Fatal("expected a main video partial")
	}
	if strings.Contains(video, "a=content:slides") {
		t.Errorf("main video partial must not be the content section")
	}

	content, ok := ContentDescription(offer)
	if !ok {
		t.Fatal("expected a content partial")
	}
	if !strings.Contains(content, "a=content:slides") {
		t.Errorf("content partial must carry a=content:slides")
	}

	if _, ok := ContentDescription(offerAudioVideo()); ok {
		t.Error("offer without slides should have no content partial")
	}
}

func TestFilterVideoCodec(t *testing.T) {
	filtered, err := FilterVideoCodec(offerAudioVideo(), "H264")
	if err != nil {
		t.Fatalf("FilterVideoCodec: %v", err)
	}
	if strings.Contains(filtered, "VP8") {
		t.Error("VP8 rtpmap should be dropped")
	}
	if !strings.Contains(filtered, "H264") {
		t.Error("H264 rtpmap should be kept")
	}
	if strings.Contains(filtered, "rtcp-fb:97") {
		t.Error("orphan rtcp-fb should be dropped")
	}
	if !strings.Contains(filtered, "m=video 51372 RTP/AVPF 96") {
		t.Errorf("formats should be rewritten to the kept payloads:\n%s", filtered)
	}
	// Audio untouched
	if !strings.Contains(filtered, "a=rtpmap:8 PCMA/8000") {
		t.Error("audio section should be untouched")
	}
}

func TestReplaceConnectionAddress(t *testing.T) {
	out, err := ReplaceConnectionAddress(offerAudioVideo(), "192.0.2.50")
	if err != nil {
		t.Fatalf("ReplaceConnectionAddress: %v", err)
	}
	if !strings.Contains(out, "c=IN IP4 192.0.2.50") {
		t.Errorf("connection line should be rewritten:\n%s", out)
	}
	if strings.Contains(out, "c=IN IP4 10.0.0.1") {
		t.Error("old connection address should be gone")
	}
	if !strings.Contains(out, "o=- 123456 1 IN IP4 10.0.0.1") {
		t.Error("origin line must keep its address")
	}
}

func TestReassembleAudioFirst(t *testing.T) {
	offer := offerAudioVideo()
	video, _ := VideoDescription(offer)
	audio, _ := AudioDescription(offer)
	header, err := SessionHeader(offer)
	if err != nil {
		t.Fatalf("SessionHeader: %v", err)
	}

	// Video handed over first; audio must still come out first.
	out := Reassemble(header, []string{video, audio})

	audioIdx := strings.Index(out, "m=audio")
	videoIdx := strings.Index(out, "m=video")
	if audioIdx < 0 || videoIdx < 0 {
		t.Fatalf("reassembled SDP missing sections:\n%s", out)
	}
	if audioIdx > videoIdx {
		t.Errorf("audio section must precede video:\n%s", out)
	}
	if strings.Count(out, "v=0") != 1 {
		t.Errorf("exactly one session header expected:\n%s", out)
	}
}

func TestStripAVPF(t *testing.T) {
	out, err := StripAVPF(offerAudioVideo())
	if err != nil {
		t.Fatalf("StripAVPF: %v", err)
	}
	if strings.Contains(out, "RTP/AVPF") {
		t.Error("AVPF profile should be downshifted to AVP")
	}
	if strings.Contains(out, "rtcp-fb") {
		t.Error("rtcp-fb attributes should be dropped")
	}
}

func TestHasAvailableCodecs(t *testing.T) {
	offer := offerAudioVideo()
	if !HasAvailableAudioCodec(offer) {
		t.Error("expected available audio")
	}
	if !HasAvailableVideoCodec(offer) {
		t.Error("expected available video")
	}

	rejected := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"m=video 0 RTP/AVP 96",
	)
	if HasAvailableVideoCodec(rejected) {
		t.Error("zero-port video section is not available")
	}

	inactive := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 4002 RTP/AVP 96",
		"a=rtpmap:96 H264/90000",
		"a=inactive",
	)
	if HasAvailableVideoCodec(inactive) {
		t.Error("inactive video section is not available")
	}
}

func TestChosenCodecs(t *testing.T) {
	chosen, err := ChosenCodecs(offerWithContent())
	if err != nil {
		t.Fatalf("ChosenCodecs: %v", err)
	}
	if got := chosen["audio"]; len(got) != 1 || got[0] != "PCMU" {
		t.Errorf("audio codecs = %v, want [PCMU]", got)
	}
	if got := chosen["video"]; len(got) != 1 || got[0] != "H264" {
		t.Errorf("video codecs = %v, want [H264]", got)
	}
	if got := chosen["content"]; len(got) != 1 || got[0] != "H264" {
		t.Errorf("content codecs = %v, want [H264]", got)
	}
}

func TestDirectionDefaultsToSendRecv(t *testing.T) {
	desc, err := Parse(offerWithContent())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := DirectionOf(desc.MediaDescriptions[0]); got != "sendrecv" {
		t.Errorf("DirectionOf = %q, want sendrecv", got)
	}
}
