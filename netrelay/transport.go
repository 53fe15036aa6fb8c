package netrelay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"time"

	q "github.com/quic-go/quic-go"
)

// alpn identifies the delivery-stream protocol negotiated over QUIC.
const alpn = "filerelay/1"

// frameHeaderSize is the length-prefix every frame carries: an 8-byte
// big-endian sequence number followed by a 4-byte big-endian payload
// length. A zero-length frame with sequence -1 marks end of stream.
const frameHeaderSize = 8 + 4

// DeliveryStream is one length-prefixed frame channel opened over a QUIC
// connection. A sender writes a sequence of sequence+length+payload frames
// onto it; a receiver on the other end reads the same frames back in
// order. Transport and framing are one type here rather than two: a raw
// QUIC stream handed back without the frame format attached would be
// useless to either of this package's callers.
type DeliveryStream struct {
	conn   *q.Conn
	stream *q.Stream
}

// WriteFrame writes one frame. A sequence of -1 with a nil payload marks
// end of stream.
func (d *DeliveryStream) WriteFrame(sequence int64, payload []byte) error {
	return writeFrame(d.stream, sequence, payload)
}

// ReadFrame reads the next frame. ok is false once the end-of-stream frame
// has been read.
func (d *DeliveryStream) ReadFrame() (sequence int64, payload []byte, ok bool, err error) {
	return ReadFrame(d.stream)
}

// Close tears down the stream and its underlying connection.
func (d *DeliveryStream) Close() error {
	err := d.stream.Close()
	d.conn.CloseWithError(0, "delivery stream closed")
	return err
}

// Listener accepts delivery-stream connections from remote senders.
type Listener struct {
	inner *q.Listener
}

// Listen starts accepting delivery connections on addr.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept blocks for the next inbound connection and returns the single
// delivery stream opened on it.
func (l *Listener) Accept(ctx context.Context) (*DeliveryStream, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &DeliveryStream{conn: conn, stream: stream}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.inner.Close() }

// Dial opens a delivery stream against a remote listener's address.
func Dial(ctx context.Context, addr string) (*DeliveryStream, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, err
	}
	return &DeliveryStream{conn: conn, stream: stream}, nil
}

func writeFrame(w io.Writer, sequence int64, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(sequence))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame written by writeFrame from r. ok is false
// once the end-of-stream frame (sequence -1) has been read.
func ReadFrame(r io.Reader) (sequence int64, payload []byte, ok bool, err error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, false, err
	}
	sequence = int64(binary.BigEndian.Uint64(header[0:8]))
	length := binary.BigEndian.Uint32(header[8:12])
	if sequence == -1 {
		return sequence, nil, false, nil
	}
	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, false, err
		}
	}
	return sequence, payload, true, nil
}

// selfSignedCert produces a throwaway certificate for one coordinator run.
// A delivery stream addresses its peer by plain addr string rather than by
// cryptographic identity, so there is no certificate authority to issue
// against — both ends skip verification instead.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "filerelay-delivery-stream"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
		InsecureSkipVerify: true,
	}, nil
}
