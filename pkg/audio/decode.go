package audio

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
)

// ErrDecode is wrapped by every error caused by a malformed or missing inbound
// audio payload. Such chunks are dropped; they never end a session.
var ErrDecode = errors.New("audio: cannot decode payload")

// DecodePCM validates an inbound PCM16 payload and returns it as a mono
// little-endian frame. The sample rate is read from the "rate" parameter of
// mimeType and defaults to [OutputSampleRate] when absent. An empty mimeType
// is treated as "audio/pcm".
//
// "audio/L16" payloads are big-endian (RFC 2586) and are byte-swapped into a
// new buffer.
func DecodePCM(data []byte, mimeType string) (AudioFrame, error) {
	if len(data) == 0 {
		return AudioFrame{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%bytesPerSample != 0 {
		return AudioFrame{}, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(data))
	}

	rate, bigEndian, err := parsePCM(mimeType)
	if err != nil {
		return AudioFrame{}, err
	}
	if bigEndian {
		data = swap16(data)
	}

	return AudioFrame{
		Data:       data,
		SampleRate: rate,
		Channels:   1,
	}, nil
}

// ParsePCMMIMEType extracts the sample rate from a PCM media type such as
// "audio/pcm;rate=24000". Missing rate parameters yield [OutputSampleRate].
func ParsePCMMIMEType(mimeType string) (int, error) {
	rate, _, err := parsePCM(mimeType)
	return rate, err
}

// parsePCM also reports whether the media type carries big-endian samples.
func parsePCM(mimeType string) (rate int, bigEndian bool, err error) {
	if mimeType == "" {
		return OutputSampleRate, false, nil
	}

	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, false, fmt.Errorf("%w: media type %q: %w", ErrDecode, mimeType, err)
	}
	switch mediaType {
	case "audio/pcm":
	case "audio/l16":
		bigEndian = true
	default:
		return 0, false, fmt.Errorf("%w: unsupported media type %q", ErrDecode, mediaType)
	}

	raw, ok := params["rate"]
	if !ok {
		return OutputSampleRate, bigEndian, nil
	}
	rate, err = strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, false, fmt.Errorf("%w: invalid rate %q", ErrDecode, raw)
	}
	return rate, bigEndian, nil
}

// swap16 returns a copy of data with the bytes of every 16-bit sample swapped.
func swap16(data []byte) []byte {
	out := make([]byte, len(data))
	for i := 0; i+1 < len(data); i += 2 {
		out[i], out[i+1] = data[i+1], data[i]
	}
	return out
}
