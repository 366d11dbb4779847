package conversions

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

func ExtractPublicKeyFromPem(keyStr string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(keyStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key material")
	}

	var pubKey crypto.PublicKey
	var err error
	switch block.Type {
	case "PUBLIC KEY":
		pubKey, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		pubKey, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		err = fmt.Errorf("unsupported type: %s", block.Type)
	}

	if err != nil {
		return nil, err
	}
	return pubKey, nil
}
