package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log"
	"net"
	"os"

	"github.com/seamtls/seam"
)

var port string
var serverName, serverKeyFile, serverCertFile string
var clientAuth string
var pinningDB string

func readServerKey(serverKeyFile string) crypto.Signer {
	keyBytes, err := os.ReadFile(serverKeyFile)
	if err != nil {
		log.Fatalf("Cannot read key: %s", serverKeyFile)
	}
	keyPEM, _ := pem.Decode(keyBytes)
	if keyPEM == nil {
		log.Fatalf("No PEM block in key file: %s", serverKeyFile)
	}
	if key, err := x509.ParsePKCS8PrivateKey(keyPEM.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(keyPEM.Bytes); err == nil {
		return key
	}
	if key, err := x509.ParseECPrivateKey(keyPEM.Bytes); err == nil {
		return key
	}
	log.Fatalf("Cannot parse private key: %s", serverKeyFile)
	return nil
}

func readServerCert(serverCertFile string) *x509.Certificate {
	certBytes, err := os.ReadFile(serverCertFile)
	if err != nil {
		log.Fatalf("Cannot read cert: %s", serverCertFile)
	}
	certPEM, _ := pem.Decode(certBytes)
	if certPEM == nil {
		log.Fatalf("No PEM block in cert file: %s", serverCertFile)
	}
	cert, err := x509.ParseCertificate(certPEM.Bytes)
	if err != nil {
		log.Fatalf("Cannot parse cert: %s", serverCertFile)
	}
	return cert
}

func authTypeFromFlag(name string) seam.CertAuthType {
	switch name {
	case "none":
		return seam.CertAuthNone
	case "optional":
		return seam.CertAuthOptional
	case "required":
		return seam.CertAuthRequired
	}
	log.Fatalf("Unknown client auth mode: %s", name)
	return seam.CertAuthNone
}

func netRecv(ctx interface{}, buf []byte) (int, error) {
	return ctx.(net.Conn).Read(buf)
}

func netSend(ctx interface{}, buf []byte) (int, error) {
	return ctx.(net.Conn).Write(buf)
}

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverName, "servername", "", "server name")
	flag.StringVar(&serverKeyFile, "keyfile", "", "private key file")
	flag.StringVar(&serverCertFile, "certfile", "", "certificate file")
	flag.StringVar(&clientAuth, "auth", "none", "client auth: none, optional or required")
	flag.StringVar(&pinningDB, "pinning-database", "", "pinning database file (will be created or opened)")
	flag.Parse()

	if serverKeyFile == "" || serverCertFile == "" {
		log.Fatal("You must specify a private key file and a certificate file")
	}

	config := &seam.Config{
		ServerName: serverName,
		ClientAuth: authTypeFromFlag(clientAuth),
		Certificates: []*seam.Certificate{
			{
				Chain:      []*x509.Certificate{readServerCert(serverCertFile)},
				PrivateKey: readServerKey(serverKeyFile),
			},
		},
	}

	if pinningDB != "" {
		store, err := seam.OpenPinStore(pinningDB)
		if err != nil {
			log.Fatalf("server: pinning: %s", err)
		}
		defer store.Close()
		config.PinStore = store
	}

	service := "0.0.0.0:" + port
	listener, err := net.Listen("tcp", service)
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Print("server: listening")

	for {
		tcp, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", tcp.RemoteAddr())
		go handleClient(tcp, config)
	}
}

func handleClient(tcp net.Conn, config *seam.Config) {
	defer tcp.Close()

	conn := seam.NewConn(seam.RoleServer)
	conn.SetConfig(config)
	conn.SetRecvCallback(netRecv)
	conn.SetSendCallback(netSend)
	conn.SetRecvContext(tcp)
	conn.SetSendContext(tcp)
	defer conn.Close()

	for {
		blocked, err := conn.Negotiate()
		if err != nil {
			log.Printf("server: negotiate: %s", err)
			return
		}
		if blocked == seam.NotBlocked {
			break
		}
	}

	cs := conn.ConnectionState()
	log.Printf("server: handshake complete, suite=%04x clientAuth=%v",
		uint16(cs.CipherSuite.Suite), cs.UsingClientAuth)
}
