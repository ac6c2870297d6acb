package network

import (
	"time"

	"hearthsync/crypto"
	"hearthsync/protocol"
)

// maxAuthSkew bounds the accepted difference between a peer's auth timestamp and ours.
const maxAuthSkew = 5 * time.Minute

func buildAuthBody(signer *crypto.Signer, deviceID, deviceName string, now time.Time, success *bool) protocol.AuthBody {
	body := protocol.AuthBody{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Timestamp:  now.UnixMilli(),
		Success:    success,
	}
	body.Signature = signer.Sign(body.SignableBytes())
	return body
}

// verifyAuthBody checks the sender, timestamp window and signature of an auth body.
func verifyAuthBody(signer *crypto.Signer, body protocol.AuthBody, expectedID string, now time.Time) (bool, string) {
	if body.DeviceID != expectedID {
		return false, "device id mismatch"
	}
	skew := now.Sub(time.UnixMilli(body.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxAuthSkew {
		return false, "timestamp outside allowed skew"
	}
	if !signer.Verify(body.SignableBytes(), body.Signature) {
		return false, "invalid signature"
	}
	return true, ""
}
