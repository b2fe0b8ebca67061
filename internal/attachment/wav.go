package attachment

import (
	"encoding/binary"
	"fmt"

	"whisper/chat-service/internal/models"
)

// Voice notes are mono 16-bit PCM at 48kHz.
const (
	VoiceSampleRate    = 48000
	VoiceChannels      = 1
	VoiceBitsPerSample = 16

	wavFormatPCM = 1
)

type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
	DurationMs    int64
}

// ParseWAV walks the RIFF chunks of a voice note and checks its format.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE file", models.ErrInvalidAudio)
	}

	var info WAVInfo
	var format uint16
	haveFmt, haveData := false, false

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Recorders that stream often leave a bogus data size; use what is there.
				size = len(data) - body
			} else {
				return nil, fmt.Errorf("%w: chunk %q overruns file", models.ErrInvalidAudio, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", models.ErrInvalidAudio)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			info.DataBytes = size
			haveData = true
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}

	if !haveFmt || !haveData {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", models.ErrInvalidAudio)
	}
	if format != wavFormatPCM {
		return nil, fmt.Errorf("%w: format %d is not PCM", models.ErrInvalidAudio, format)
	}
	if info.Channels != VoiceChannels || info.BitsPerSample != VoiceBitsPerSample || info.SampleRate != VoiceSampleRate {
		return nil, fmt.Errorf("%w: want %d channel %d-bit %dHz, got %d channel %d-bit %dHz",
			models.ErrInvalidAudio,
			VoiceChannels, VoiceBitsPerSample, VoiceSampleRate,
			info.Channels, info.BitsPerSample, info.SampleRate)
	}
	if info.DataBytes == 0 {
		return nil, fmt.Errorf("%w: no audio samples", models.ErrInvalidAudio)
	}

	bytesPerSecond := int64(info.SampleRate * info.Channels * info.BitsPerSample / 8)
	info.DurationMs = int64(info.DataBytes) * 1000 / bytesPerSecond
	return &info, nil
}

// EncodeWAV wraps raw little-endian PCM samples in a WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	out := make([]byte, 44+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
