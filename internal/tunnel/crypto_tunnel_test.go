package tunnel

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedServerConfig builds a minimal server-side tls.Config backed by
// a freshly generated self-signed certificate, for loopback TLS tests.
func selfSignedServerConfig(t *testing.T) *tls.Config {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// driveHandshake pumps ciphertext between a CryptoTunnel and a raw
// net.Conn until the handshake completes, mirroring the protocol
// TLSDataFlow implements in §4.4.1.
func driveHandshake(t *testing.T, ct *CryptoTunnel, conn net.Conn) {
	t.Helper()
	for {
		res, err := ct.HandShake()
		require.NoError(t, err)
		switch res {
		case Success:
			if out := ct.ReadCipherTextData(); len(out) > 0 {
				_, werr := conn.Write(out)
				require.NoError(t, werr)
			}
			return
		case WantIo:
			if out := ct.ReadCipherTextData(); len(out) > 0 {
				_, werr := conn.Write(out)
				require.NoError(t, werr)
				continue
			}
			buf := make([]byte, 8192)
			n, rerr := conn.Read(buf)
			if n > 0 {
				ct.WriteCipherTextData(buf[:n])
			}
			require.NoError(t, rerr)
		case HandshakeError:
			t.Fatalf("handshake error: %v", err)
		}
	}
}

func TestCryptoTunnel_HandshakeAndEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		raw, acceptErr := ln.Accept()
		if acceptErr != nil {
			serverDone <- acceptErr
			return
		}
		defer raw.Close()
		srv := tls.Server(raw, selfSignedServerConfig(t))
		if hsErr := srv.Handshake(); hsErr != nil {
			serverDone <- hsErr
			return
		}
		buf := make([]byte, 1024)
		n, rerr := srv.Read(buf)
		if rerr != nil {
			serverDone <- rerr
			return
		}
		_, werr := srv.Write(buf[:n])
		serverDone <- werr
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	clientCfg := &tls.Config{InsecureSkipVerify: true}
	ct := NewCryptoTunnel(clientCfg)
	ct.SetDomain("localhost")

	driveHandshake(t, ct, conn)
	require.False(t, ct.Errored())

	ct.WritePlainTextData([]byte("hello tunnel"))

	// Pump ciphertext until the write is fully flushed to the wire.
	deadline := time.Now().Add(5 * time.Second)
	for !ct.FinishWritingCipherData() {
		require.False(t, time.Now().After(deadline), "timed out flushing ciphertext")
		out := ct.ReadCipherTextData()
		if len(out) > 0 {
			_, werr := conn.Write(out)
			require.NoError(t, werr)
		}
	}

	require.NoError(t, <-serverDone)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	ct.WriteCipherTextData(buf[:n])

	deadline = time.Now().Add(5 * time.Second)
	for !ct.HasPlainTextDataToRead() {
		require.False(t, time.Now().After(deadline), "timed out waiting for plaintext")
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, "hello tunnel", string(ct.ReadPlainTextData()))

	require.NoError(t, ct.Close())
}

func TestCryptoTunnel_NeedCipherInput(t *testing.T) {
	ct := NewCryptoTunnel(&tls.Config{InsecureSkipVerify: true})
	ct.SetDomain("example.test")

	res, err := ct.HandShake()
	require.NoError(t, err)
	require.Equal(t, WantIo, res)
	require.NotEmpty(t, ct.ReadCipherTextData(), "ClientHello should be queued")

	res, err = ct.HandShake()
	require.NoError(t, err)
	require.Equal(t, WantIo, res)
	require.True(t, ct.NeedCipherInput(), "engine should be blocked waiting for ServerHello")

	require.NoError(t, ct.Close())
}
