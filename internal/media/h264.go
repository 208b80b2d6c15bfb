package media

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// SplitAccessUnit splits an Annex-B access unit into NAL units.
func SplitAccessUnit(au []byte) ([][]byte, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(au); err != nil {
		return nil, fmt.Errorf("unmarshal annex-b: %w", err)
	}
	return annexB, nil
}

// JoinAccessUnit encodes NAL units as an Annex-B access unit.
func JoinAccessUnit(nalus [][]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}

// ParameterSets returns the first SPS and PPS found in the NAL units.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// IsKeyFrame reports whether the NAL units contain an IDR slice.
func IsKeyFrame(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// AnnexBToAVCC converts an Annex-B access unit into the length-prefixed form
// stored by MP4 and Matroska. Access unit delimiters are dropped.
func AnnexBToAVCC(au []byte) ([]byte, error) {
	nalus, err := SplitAccessUnit(au)
	if err != nil {
		return nil, err
	}
	filtered := nalus[:0:0]
	for _, nalu := range nalus {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		filtered = append(filtered, nalu)
	}
	if len(filtered) == 0 {
		return nil, nil
	}
	return h264.AVCC(filtered).Marshal()
}

// AVCDecoderConfig builds an AVCDecoderConfigurationRecord (avcC) with one SPS
// and one PPS and 4-byte NALU lengths.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("invalid parameter sets: sps=%d pps=%d bytes", len(sps), len(pps))
	}
	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // numOfSequenceParameterSets = 1
		byte(len(sps)>>8), byte(len(sps)),
	)
	buf = append(buf, sps...)
	buf = append(buf, 1, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)
	return buf, nil
}
