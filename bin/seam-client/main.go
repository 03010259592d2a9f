package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/seamtls/seam"
)

var addr string
var serverName string
var clientKeyFile, clientCertFile string
var pinningDB string
var pinningClearPin string

func readClientKey(clientKeyFile string) crypto.Signer {
	keyBytes, err := os.ReadFile(clientKeyFile)
	if err != nil {
		log.Fatalf("Cannot read key: %s", clientKeyFile)
	}
	keyPEM, _ := pem.Decode(keyBytes)
	if keyPEM == nil {
		log.Fatalf("No PEM block in key file: %s", clientKeyFile)
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
	log.Fatalf("Cannot parse private key: %s", clientKeyFile)
	return nil
}

func readClientCert(clientCertFile string) *x509.Certificate {
	certBytes, err := os.ReadFile(clientCertFile)
	if err != nil {
		log.Fatalf("Cannot read cert: %s", clientCertFile)
	}
	certPEM, _ := pem.Decode(certBytes)
	if certPEM == nil {
		log.Fatalf("No PEM block in cert file: %s", clientCertFile)
	}
	cert, err := x509.ParseCertificate(certPEM.Bytes)
	if err != nil {
		log.Fatalf("Cannot parse cert: %s", clientCertFile)
	}
	return cert
}

func netRecv(ctx interface{}, buf []byte) (int, error) {
	return ctx.(net.Conn).Read(buf)
}

func netSend(ctx interface{}, buf []byte) (int, error) {
	return ctx.(net.Conn).Write(buf)
}

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&serverName, "servername", "localhost", "expected server name")
	flag.StringVar(&clientKeyFile, "keyfile", "", "client private key file (enables client auth)")
	flag.StringVar(&clientCertFile, "certfile", "", "client certificate file (enables client auth)")
	flag.StringVar(&pinningDB, "pinning-database", "", "pinning database file (will be created or opened)")
	flag.StringVar(&pinningClearPin, "pinning-clear-pin", "", "clear the stored pin for <peer>")
	flag.Parse()

	if pinningClearPin != "" {
		if pinningDB == "" {
			log.Fatal("For pinning, you must specify a pinning database file")
		}
		store, err := seam.OpenPinStore(pinningDB)
		if err != nil {
			log.Fatalf("client: pinning: %s", err)
		}
		defer store.Close()
		if err := store.DeletePin(pinningClearPin); err != nil {
			log.Fatalf("client: pinning: %s", err)
		}
		fmt.Println("Cleared pin for", pinningClearPin)
		return
	}

	config := &seam.Config{ServerName: serverName}

	if clientKeyFile != "" && clientCertFile != "" {
		config.Certificates = []*seam.Certificate{
			{
				Chain:      []*x509.Certificate{readClientCert(clientCertFile)},
				PrivateKey: readClientKey(clientKeyFile),
			},
		}
	}

	if pinningDB != "" {
		store, err := seam.OpenPinStore(pinningDB)
		if err != nil {
			log.Fatalf("client: pinning: %s", err)
		}
		defer store.Close()
		config.PinStore = store
	}

	tcp, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("client: dial: %s", err)
	}
	defer tcp.Close()

	conn := seam.NewConn(seam.RoleClient)
	conn.SetConfig(config)
	conn.SetRecvCallback(netRecv)
	conn.SetSendCallback(netSend)
	conn.SetRecvContext(tcp)
	conn.SetSendContext(tcp)
	defer conn.Close()

	for {
		blocked, err := conn.Negotiate()
		if err != nil {
			log.Fatalf("client: negotiate: %s", err)
		}
		if blocked == seam.NotBlocked {
			break
		}
	}

	cs := conn.ConnectionState()
	fmt.Printf("Handshake complete: suite=%04x clientAuth=%v\n",
		uint16(cs.CipherSuite.Suite), cs.UsingClientAuth)
}
