// Command sendmail submits one message to an SMTP server over STARTTLS.
//
//	sendmail --server smtp.example.com --from me@example.com \
//	    --to you@example.org --subject hello --body-file body.txt
//
// Exit status is 0 on success, 1 when the body file does not exist, 2 for
// usage errors and failed sends, 3 when the body file cannot be read as
// UTF-8 text.
package main

import (
	"os"
)

func main() {
	os.Exit(newApp(os.Stdout, os.Stderr).run(os.Args[1:]))
}
