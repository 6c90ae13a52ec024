package cal0

import (
	"fmt"

	"github.com/golang/glog"
)

const (
	SysMMCSerial = PlaceholderSerial
	EmuMMCSerial = "XAW00000000001"
)

// incognitoFields are blanked by Incognito.
var incognitoFields = []Field{
	ExtendedSslKey,
	AmiiboEcdsaCertificate,
	AmiiboEcqvBlsRootCertificate,
	ExtendedRsa2048DeviceKey,
	Rsa2048DeviceCertificate,
}

// Incognito removes the data that identifies a console to online services
// from rw in place: the serial number is replaced by serial, the client
// certificate and the fields in incognitoFields are zeroed, and the affected
// checksums and hashes are rewritten.
func Incognito(rw Store, serial string) error {
	if _, err := ReadHeader(rw); err != nil {
		return err
	}
	if len(serial) >= int(SerialNumber.Size) {
		return fmt.Errorf("serial %q too long", serial)
	}

	sn := make([]byte, SerialNumber.Size)
	copy(sn, serial)
	if err := writeBytes(rw, SerialNumber.Offset, sn); err != nil {
		return fmt.Errorf("could not write serial: %w", err)
	}
	if err := WriteChecksum(rw, SerialNumber); err != nil {
		return err
	}

	certSize, err := RegionSize(rw, SslCertificate)
	if err != nil {
		glog.Warningf("Client certificate size unusable (%v), clearing all of it", err)
		certSize = SslCertificate.MaxSize
	}
	glog.V(1).Infof("Clearing 0x%x bytes of client certificate", certSize)
	if err := writeBytes(rw, SslCertificate.Offset, make([]byte, certSize)); err != nil {
		return fmt.Errorf("could not clear client certificate: %w", err)
	}
	if err := WriteHash(rw, SslCertificate); err != nil {
		return err
	}

	for _, f := range incognitoFields {
		glog.V(1).Infof("Clearing %s", f.Name)
		if err := writeBytes(rw, f.Offset, make([]byte, f.Size)); err != nil {
			return fmt.Errorf("could not clear %s: %w", f.Name, err)
		}
		if err := WriteChecksum(rw, f); err != nil {
			return err
		}
	}

	return WriteHash(rw, Body)
}
